package agent

import "encoding/json"

type EventType string

const (
	EventStep       EventType = "step"
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventPause      EventType = "pause"
	EventError      EventType = "error"
	EventDone       EventType = "done"
	EventCancelled  EventType = "cancelled"
	EventTimeout    EventType = "timeout"
)

// Event 是推送给客户端的一条流式事件。每个节点完成或每个 token 产生一条。
type Event struct {
	Type     EventType       `json:"type"`
	ThreadID string          `json:"thread_id"`
	Node     NodeID          `json:"node,omitempty"`
	Content  string          `json:"content,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Error    string          `json:"error,omitempty"`
	Pause    *PauseInfo      `json:"pause,omitempty"`
	Result   *Result         `json:"result,omitempty"`
}

// Emitter 接收事件。运行器只在执行所在的 goroutine 中调用它。
type Emitter func(Event)

func (e Emitter) emit(ev Event) {
	if e != nil {
		e(ev)
	}
}

type PauseInfo struct {
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decision 是用户对确认请求的答复：要么拒绝，要么同意（可附带已处理篇数）。
type Decision struct {
	Declined bool `json:"declined"`
	// PapersProcessed 由调用方在外部完成入库时填写；为空时由运行器自行入库。
	PapersProcessed *int `json:"papers_processed,omitempty"`
}

// Result 是 Run/Resume 返回给调用方的结果。Status 为 paused 时表示执行被挂起而非结束。
type Result struct {
	ThreadID          string              `json:"thread_id"`
	SessionID         string              `json:"session_id"`
	Status            Status              `json:"status"`
	Answer            string              `json:"answer,omitempty"`
	Citations         []Citation          `json:"citations,omitempty"`
	Intent            Intent              `json:"intent,omitempty"`
	ScopeScore        int                 `json:"scope_score"`
	RetrievalAttempts int                 `json:"retrieval_attempts"`
	Iterations        int                 `json:"iterations"`
	BestEffort        bool                `json:"best_effort,omitempty"`
	Pause             *PauseInfo          `json:"pause,omitempty"`
	Confirmation      *ConfirmationRecord `json:"confirmation,omitempty"`
	ReasoningTrace    []string            `json:"reasoning_trace,omitempty"`
	Error             string              `json:"error,omitempty"`

	// OriginalQuery 供持久化对话轮次使用。
	OriginalQuery string `json:"-"`
	// Sources 为本轮用于生成的证据块。
	Sources []Citation `json:"sources,omitempty"`
}

// Terminal 表示该结果是否为执行终态（paused 不是）。
func (r *Result) Terminal() bool {
	return r != nil && r.Status != StatusPaused
}
