// Package tools 定义 agent 可调用的工具：统一的结果结构、按名称分发的注册表、参数校验与审计。
package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cloudwego/eino/schema"
)

// 工具名称。分类节点只能从这里选择，注册表在分发前按名称校验。
const (
	NameRetrieveChunks   = "retrieve_chunks"
	NameArxivSearch      = "arxiv_search"
	NameListPapers       = "list_papers"
	NameExploreCitations = "explore_citations"
	NameSummarizePaper   = "summarize_paper"
	NameIngestPapers     = "ingest_papers"
)

var ErrUnknownTool = errors.New("unknown tool")

// Tool 是一个可独立调用的能力。
//
// Execute 不返回 error：失败通过 Result.Success=false + Result.Error 表达，
// 这样一个工具失败不会影响同一批次中的其他工具。
type Tool interface {
	Name() string
	Description() string
	Params() map[string]*schema.ParameterInfo
	Execute(ctx context.Context, args json.RawMessage) Result
}

// Confirmation 表示工具提出了需要用户同意的副作用操作（HITL）。
type Confirmation struct {
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload"`
}

// Result 是工具执行结果。
type Result struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	// PromptText 为给生成节点使用的精简文本；为空时生成节点回退到 Data 的 JSON。
	PromptText string `json:"prompt_text,omitempty"`
	Error      string `json:"error,omitempty"`
	// Confirmation 非空时编排器会暂停执行，等待用户决定。
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

func Failure(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Info 把工具描述转换为 eino 的 ToolInfo，供提示词中的工具目录使用。
func Info(t Tool) *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        t.Name(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(t.Params()),
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	return json.Unmarshal(args, v)
}

func clamp(v int, def int, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
