package agent

import "errors"

var (
	// ErrNotPaused 表示对一个当前未处于挂起状态的执行调用了 Resume。
	ErrNotPaused = errors.New("execution is not paused")
	// ErrNotRunning 表示 Recover 的目标执行不是中断的 running 状态。
	ErrNotRunning           = errors.New("execution is not running")
	ErrCheckpointNotFound   = errors.New("checkpoint not found")
	ErrSessionMismatch      = errors.New("execution belongs to another session")
	ErrCancelled            = errors.New("execution cancelled")
	ErrTimeout              = errors.New("execution timed out")
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskExists           = errors.New("task already running")
	ErrNotTaskOwner         = errors.New("only the task owner may cancel it")
	errInvalidModelResponse = errors.New("invalid model response")
)

// genericFailure 为暴露给用户的失败信息，不包含内部错误细节。
const genericFailure = "The assistant could not complete this request. Please try again later."
