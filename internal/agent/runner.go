package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/ingest"
	"github.com/wwwzy/PaperAgent/internal/metrics"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/reqctx"
	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

// CheckpointStore 由 storage.Storage 实现。
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *storage.Checkpoint) error
	LoadLatestCheckpoint(ctx context.Context, threadID string, now time.Time) (*storage.Checkpoint, error)
}

// Ingestor 在用户同意入库后执行真正的入库，由 ingest.Pipeline 实现。
type Ingestor interface {
	IngestBatch(ctx context.Context, papers []scholar.Paper, userID string) (ingest.BatchResult, error)
}

// UsageCounter 在确认入库时复查并累加当日入库额度，由 quota.Service 实现。
//
// 提议与确认之间可能相隔数小时，其间额度可能已被其他会话或后台任务用完，所以确认时要再检查一次。
type UsageCounter interface {
	Check(ctx context.Context, userID string, kind quota.Kind, n int) error
	Increment(ctx context.Context, userID string, kind quota.Kind, n int) (int, error)
}

type Deps struct {
	Model       model.BaseChatModel
	Tools       *tools.Registry
	Checkpoints CheckpointStore
	Ingestor    Ingestor
	Usage       UsageCounter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type nodeFunc func(ctx context.Context, st *AgentState, emit Emitter) error

// Runner 是显式的有限状态机：节点函数修改状态，转移函数 next 决定下一个节点，
// 每次转移之后、把控制权交还之前写一次检查点。
type Runner struct {
	model       model.BaseChatModel
	registry    *tools.Registry
	checkpoints CheckpointStore
	ingestor    Ingestor
	usage       UsageCounter
	metrics     *metrics.Metrics
	cfg         Config
	logger      *zap.Logger

	generateChain compose.Runnable[map[string]any, *schema.Message]
	nodes         map[NodeID]nodeFunc
	now           func() time.Time
}

func NewRunner(ctx context.Context, deps Deps, cfg Config) (*Runner, error) {
	if deps.Model == nil {
		return nil, errors.New("agent: chat model is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("agent: tool registry is required")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("agent: checkpoint store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(NewGenerateTemplate()).AppendChatModel(deps.Model)
	generateChain, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile generation chain: %w", err)
	}

	r := &Runner{
		model:         deps.Model,
		registry:      deps.Tools,
		checkpoints:   deps.Checkpoints,
		ingestor:      deps.Ingestor,
		usage:         deps.Usage,
		metrics:       deps.Metrics,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		generateChain: generateChain,
		now:           time.Now,
	}
	r.nodes = map[NodeID]nodeFunc{
		NodeClassify:      r.classify,
		NodeExecute:       r.execute,
		NodeGrade:         r.grade,
		NodeGenerate:      r.generate,
		NodeRefuse:        r.refuse,
		NodeConfirmIngest: r.confirmIngest,
	}
	return r, nil
}

func (r *Runner) Config() Config { return r.cfg }

type RunRequest struct {
	// ThreadID 为空时自动生成。
	ThreadID  string
	SessionID string
	UserID    string
	Query     string
	History   []*schema.Message
}

type ResumeRequest struct {
	ThreadID  string
	SessionID string
	UserID    string
	Decision  Decision
}

// Run 从 classify 开始执行一轮新的查询。
//
// 返回的 error 只表示请求本身无效；执行中的失败、取消、超时都体现在 Result.Status 与事件流中。
func (r *Runner) Run(ctx context.Context, req RunRequest, emit Emitter) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	st := &AgentState{
		ThreadID:             threadID,
		SessionID:            req.SessionID,
		UserID:               req.UserID,
		Messages:             []*schema.Message{schema.UserMessage(query)},
		OriginalQuery:        query,
		Status:               StatusRunning,
		MaxIterations:        r.cfg.MaxIterations,
		MaxRetrievalAttempts: r.cfg.MaxRetrievalAttempts,
		ToolHistory:          []ToolExecution{},
		LastExecutedTools:    []string{},
		RetrievedChunks:      []retrieval.Result{},
		RelevantChunks:       []retrieval.Result{},
		ToolOutputs:          []ToolOutput{},
		Metadata: Metadata{
			GuardrailThreshold: r.cfg.GuardrailThreshold,
			TopK:               r.cfg.TopK,
		},
		ConversationHistory: boundHistory(req.History, r.cfg.HistoryTurns),
	}
	return r.drive(ctx, st, NodeClassify, emit), nil
}

// Resume 把用户的决定注入挂起的中断节点并继续执行。对未挂起的执行返回 ErrNotPaused。
func (r *Runner) Resume(ctx context.Context, req ResumeRequest, emit Emitter) (*Result, error) {
	cp, st, err := r.load(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if cp.Status != string(StatusPaused) || !interrupts[NodeID(cp.NextNode)] {
		return nil, fmt.Errorf("%w: thread %s is %s", ErrNotPaused, req.ThreadID, cp.Status)
	}
	if st.SessionID != req.SessionID || (req.UserID != "" && st.UserID != req.UserID) {
		return nil, ErrSessionMismatch
	}

	decision := req.Decision
	st.Decision = &decision
	st.Status = StatusRunning
	return r.drive(ctx, st, NodeID(cp.NextNode), emit), nil
}

// Recover 从最新检查点继续一个因进程崩溃而中断的执行。
func (r *Runner) Recover(ctx context.Context, threadID string, emit Emitter) (*Result, error) {
	cp, st, err := r.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp.Status != string(StatusRunning) {
		return nil, fmt.Errorf("%w: thread %s is %s", ErrNotRunning, threadID, cp.Status)
	}
	r.logger.Info("recovering execution",
		zap.String("thread_id", threadID),
		zap.String("node", cp.NextNode),
		zap.Int64("seq", cp.Seq))
	return r.drive(ctx, st, NodeID(cp.NextNode), emit), nil
}

// State 返回线程最新检查点中的状态（只读用途）。
func (r *Runner) State(ctx context.Context, threadID string) (*AgentState, NodeID, error) {
	cp, st, err := r.load(ctx, threadID)
	if err != nil {
		return nil, "", err
	}
	return st, NodeID(cp.NextNode), nil
}

func (r *Runner) drive(parent context.Context, st *AgentState, node NodeID, emit Emitter) *Result {
	ctx, cancel := context.WithTimeoutCause(parent, r.cfg.Timeout, ErrTimeout)
	defer cancel()
	ctx = reqctx.WithTraceID(ctx, st.ThreadID)
	ctx = reqctx.WithUserID(ctx, st.UserID)
	ctx = reqctx.WithSessionID(ctx, st.SessionID)

	logger := r.logger.With(zap.String("thread_id", st.ThreadID), zap.String("session_id", st.SessionID))
	r.metrics.ExecutionStarted()

	if err := r.save(ctx, st, node); err != nil {
		if ctx.Err() != nil {
			return r.abort(ctx, st, node, emit, logger)
		}
		return r.fail(ctx, st, node, err, emit, logger)
	}

	for node != NodeEnd {
		if ctx.Err() != nil {
			return r.abort(ctx, st, node, emit, logger)
		}
		fn, ok := r.nodes[node]
		if !ok {
			return r.fail(ctx, st, node, fmt.Errorf("unknown node %q", node), emit, logger)
		}

		started := time.Now()
		err := fn(ctx, st, emit)
		r.metrics.NodeFinished(string(node), time.Since(started))
		if ctx.Err() != nil {
			return r.abort(ctx, st, node, emit, logger)
		}
		if err != nil {
			return r.fail(ctx, st, node, err, emit, logger)
		}

		to := next(st, node)
		switch {
		case interrupts[to]:
			st.Status = StatusPaused
		case to == NodeEnd:
			st.Status = StatusCompleted
		}
		if err := r.save(ctx, st, to); err != nil {
			if ctx.Err() != nil {
				return r.abort(ctx, st, node, emit, logger)
			}
			return r.fail(ctx, st, node, err, emit, logger)
		}
		logger.Debug("node finished", zap.String("node", string(node)), zap.String("next", string(to)))
		emit.emit(Event{Type: EventStep, ThreadID: st.ThreadID, Node: node})

		if st.Status == StatusPaused {
			return r.pause(st, to, emit, logger)
		}
		node = to
	}

	res := r.result(st, StatusCompleted)
	r.metrics.ExecutionFinished(string(StatusCompleted), st.RetrievalAttempts)
	logger.Info("execution completed",
		zap.Int("iterations", st.Iteration),
		zap.Int("retrieval_attempts", st.RetrievalAttempts),
		zap.Bool("best_effort", st.Metadata.BestEffort))
	emit.emit(Event{Type: EventDone, ThreadID: st.ThreadID, Result: res})
	return res
}

func (r *Runner) pause(st *AgentState, at NodeID, emit Emitter, logger *zap.Logger) *Result {
	res := r.result(st, StatusPaused)
	res.Pause = &PauseInfo{Reason: st.PauseReason, Data: st.PauseData}
	r.metrics.ExecutionFinished(string(StatusPaused), st.RetrievalAttempts)
	logger.Info("execution paused", zap.String("node", string(at)), zap.String("reason", st.PauseReason))
	emit.emit(Event{Type: EventPause, ThreadID: st.ThreadID, Node: at, Pause: res.Pause, Result: res})
	return res
}

// abort 处理取消与超时：检查点标记为 failed，事件类型区分 cancelled 与 timeout。
func (r *Runner) abort(ctx context.Context, st *AgentState, node NodeID, emit Emitter, logger *zap.Logger) *Result {
	status, evType := StatusCancelled, EventCancelled
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		status, evType = StatusTimeout, EventTimeout
	}
	st.Status = StatusFailed
	st.Error = string(status)
	if err := r.save(context.WithoutCancel(ctx), st, node); err != nil {
		logger.Warn("failed to checkpoint aborted execution", zap.Error(err))
	}

	res := r.result(st, status)
	res.Error = string(status)
	r.metrics.ExecutionFinished(string(status), st.RetrievalAttempts)
	logger.Info("execution aborted", zap.String("node", string(node)), zap.String("status", string(status)))
	emit.emit(Event{Type: evType, ThreadID: st.ThreadID, Node: node, Result: res})
	return res
}

func (r *Runner) fail(ctx context.Context, st *AgentState, node NodeID, cause error, emit Emitter, logger *zap.Logger) *Result {
	st.Status = StatusFailed
	st.Error = cause.Error()
	if err := r.save(context.WithoutCancel(ctx), st, node); err != nil {
		logger.Warn("failed to checkpoint failed execution", zap.Error(err))
	}

	res := r.result(st, StatusFailed)
	res.Error = genericFailure
	r.metrics.ExecutionFinished(string(StatusFailed), st.RetrievalAttempts)
	logger.Error("execution failed", zap.String("node", string(node)), zap.Error(cause))
	emit.emit(Event{Type: EventError, ThreadID: st.ThreadID, Node: node, Error: genericFailure, Result: res})
	return res
}

func (r *Runner) save(ctx context.Context, st *AgentState, next NodeID) error {
	raw, err := st.encode()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	now := r.now().UTC()
	return r.checkpoints.SaveCheckpoint(ctx, &storage.Checkpoint{
		ThreadID:  st.ThreadID,
		SessionID: st.SessionID,
		UserID:    st.UserID,
		NextNode:  string(next),
		Status:    string(st.Status),
		StateJSON: raw,
		ExpiresAt: now.Add(r.cfg.CheckpointTTL),
		CreatedAt: now,
	})
}

func (r *Runner) load(ctx context.Context, threadID string) (*storage.Checkpoint, *AgentState, error) {
	if threadID == "" {
		return nil, nil, errors.New("thread id is required")
	}
	cp, err := r.checkpoints.LoadLatestCheckpoint(ctx, threadID, r.now().UTC())
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, threadID)
		}
		return nil, nil, err
	}
	st, err := decodeState(cp.StateJSON)
	if err != nil {
		return nil, nil, fmt.Errorf("decode checkpoint %s#%d: %w", threadID, cp.Seq, err)
	}
	st.ThreadID = threadID
	return cp, st, nil
}

func (r *Runner) result(st *AgentState, status Status) *Result {
	res := &Result{
		ThreadID:          st.ThreadID,
		SessionID:         st.SessionID,
		Status:            status,
		Answer:            st.Answer,
		Citations:         st.Citations,
		RetrievalAttempts: st.RetrievalAttempts,
		Iterations:        st.Iteration,
		BestEffort:        st.Metadata.BestEffort,
		Confirmation:      st.Metadata.Confirmation,
		ReasoningTrace:    st.Metadata.ReasoningTrace,
		OriginalQuery:     st.OriginalQuery,
		Sources:           sourcesOf(st.RelevantChunks),
	}
	if c := st.Classification; c != nil {
		res.Intent = c.Intent
		res.ScopeScore = c.ScopeScore
	}
	return res
}

// boundHistory 只保留最近 turns 轮（每轮一问一答）。
func boundHistory(history []*schema.Message, turns int) []*schema.Message {
	limit := turns * 2
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}
