package agent

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/retrieval"
)

// Status 为一次执行的生命周期状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// 以下两个只出现在 Result 中；对应的检查点状态为 failed。
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

type Intent string

const (
	IntentOutOfScope Intent = "out_of_scope"
	IntentDirect     Intent = "direct"
	IntentExecute    Intent = "execute"
)

// ToolCall 是分类结果中的一次计划调用。
type ToolCall struct {
	ToolName string          `json:"tool_name"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
}

// ClassificationResult 每轮迭代产生一次，产生后不再修改。
type ClassificationResult struct {
	Intent     Intent     `json:"intent"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	ScopeScore int        `json:"scope_score"`
	Reasoning  string     `json:"reasoning"`
	// StatedIntent 为模型给出的原始意图；被护栏改写时才会与 Intent 不同。
	StatedIntent Intent `json:"stated_intent,omitempty"`
}

type EvaluationResult struct {
	Sufficient       bool    `json:"sufficient"`
	Reasoning        string  `json:"reasoning"`
	SuggestedRewrite *string `json:"suggested_rewrite"`
}

// ToolExecution 是审计意义上的一次工具调用记录，tool_history 只追加不截断。
type ToolExecution struct {
	ToolName      string          `json:"tool_name"`
	ToolArgs      json.RawMessage `json:"tool_args,omitempty"`
	Success       bool            `json:"success"`
	ResultSummary string          `json:"result_summary,omitempty"`
	Error         string          `json:"error,omitempty"`
	Iteration     int             `json:"iteration"`
}

// ToolOutput 是供生成节点使用的提示材料。
type ToolOutput struct {
	ToolName   string          `json:"tool_name"`
	PromptText string          `json:"prompt_text,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type InjectionScan struct {
	Detected bool     `json:"detected"`
	Matches  []string `json:"matches,omitempty"`
}

// ConfirmationRecord 保存本轮出现过的确认请求及用户决定，随对话轮次持久化。
type ConfirmationRecord struct {
	Reason   string          `json:"reason"`
	Data     json.RawMessage `json:"data,omitempty"`
	Decision *Decision       `json:"decision,omitempty"`
}

type Metadata struct {
	GuardrailThreshold int                 `json:"guardrail_threshold"`
	TopK               int                 `json:"top_k"`
	InjectionScan      *InjectionScan      `json:"injection_scan,omitempty"`
	ReasoningTrace     []string            `json:"reasoning_trace,omitempty"`
	BestEffort         bool                `json:"best_effort,omitempty"`
	BestEffortReason   string              `json:"best_effort_reason,omitempty"`
	Confirmation       *ConfirmationRecord `json:"confirmation,omitempty"`
}

// Citation 把答案中的 [n] 标记映射到来源块。
type Citation struct {
	Marker  int    `json:"marker"`
	ChunkID uint64 `json:"chunk_id"`
	ArxivID string `json:"arxiv_id"`
	Title   string `json:"title"`
}

// AgentState 是检查点的单位，在每个节点之后完整序列化。
type AgentState struct {
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	Messages       []*schema.Message `json:"messages"`
	OriginalQuery  string            `json:"original_query"`
	RewrittenQuery string            `json:"rewritten_query,omitempty"`
	Status         Status            `json:"status"`

	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	Classification *ClassificationResult `json:"classification_result,omitempty"`
	Evaluation     *EvaluationResult     `json:"evaluation_result,omitempty"`

	// PendingCalls 为下一次 execute 要执行的调用：来自分类结果，或来自改写重试。
	PendingCalls      []ToolCall      `json:"pending_tool_calls,omitempty"`
	ToolHistory       []ToolExecution `json:"tool_history"`
	LastExecutedTools []string        `json:"last_executed_tools"`

	PauseReason string          `json:"pause_reason,omitempty"`
	PauseData   json.RawMessage `json:"pause_data,omitempty"`
	// Decision 为 Resume 注入给中断节点的输入，节点消费后清空。
	Decision *Decision `json:"decision,omitempty"`

	RetrievalAttempts    int                `json:"retrieval_attempts"`
	MaxRetrievalAttempts int                `json:"max_retrieval_attempts"`
	RetrievedChunks      []retrieval.Result `json:"retrieved_chunks"`
	RelevantChunks       []retrieval.Result `json:"relevant_chunks"`

	ToolOutputs []ToolOutput `json:"tool_outputs"`
	Metadata    Metadata     `json:"metadata"`

	ConversationHistory []*schema.Message `json:"conversation_history"`

	Answer    string     `json:"answer,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (s *AgentState) trace(format string, args ...any) {
	s.Metadata.ReasoningTrace = append(s.Metadata.ReasoningTrace, fmt.Sprintf(format, args...))
}

// currentQuery 为检索使用的查询：改写后的优先。
func (s *AgentState) currentQuery() string {
	if s.RewrittenQuery != "" {
		return s.RewrittenQuery
	}
	return s.OriginalQuery
}

func (s *AgentState) ranInLastBatch(tool string) bool {
	return slices.Contains(s.LastExecutedTools, tool)
}

func (s *AgentState) encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeState(raw string) (*AgentState, error) {
	var st AgentState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, err
	}
	return &st, nil
}
