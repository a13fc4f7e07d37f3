package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

// classify 是分类/路由节点：一次模型调用同时给出范围评分、意图和工具调用计划。
//
// 达到迭代上限时不再调用模型，直接标记 best-effort 并交给生成节点。
func (r *Runner) classify(ctx context.Context, st *AgentState, _ Emitter) error {
	if st.Iteration >= st.MaxIterations {
		st.PendingCalls = nil
		st.Metadata.BestEffort = true
		st.Metadata.BestEffortReason = reasonIterationLimit
		st.trace("iteration limit %d reached; answering with the evidence gathered so far", st.MaxIterations)
		return nil
	}
	st.Iteration++

	if st.Metadata.InjectionScan == nil {
		st.Metadata.InjectionScan = scanInjection(st.OriginalQuery)
		if st.Metadata.InjectionScan.Detected {
			r.logger.Warn("possible prompt injection",
				zap.String("thread_id", st.ThreadID),
				zap.Strings("matches", st.Metadata.InjectionScan.Matches))
		}
	}

	out, err := r.model.Generate(ctx, r.classifyMessages(st))
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	var res ClassificationResult
	if err := llm.DecodeJSON(out.Content, &res); err != nil {
		return fmt.Errorf("classify: %w: %v", errInvalidModelResponse, err)
	}
	r.applyPolicy(st, &res)
	st.Classification = &res
	st.trace("iteration %d: intent=%s scope_score=%d: %s", st.Iteration, res.Intent, res.ScopeScore, res.Reasoning)
	return nil
}

// applyPolicy 施加护栏与工具校验：低分强制 out_of_scope；未知工具或非法参数的调用被丢弃。
func (r *Runner) applyPolicy(st *AgentState, res *ClassificationResult) {
	res.ScopeScore = max(0, min(100, res.ScopeScore))
	res.Intent = Intent(strings.ToLower(strings.TrimSpace(string(res.Intent))))
	switch res.Intent {
	case IntentOutOfScope, IntentDirect, IntentExecute:
	default:
		if len(res.ToolCalls) > 0 {
			res.Intent = IntentExecute
		} else {
			res.Intent = IntentDirect
		}
	}

	if res.ScopeScore < st.Metadata.GuardrailThreshold && res.Intent != IntentOutOfScope {
		res.StatedIntent = res.Intent
		res.Intent = IntentOutOfScope
	}
	if res.Intent != IntentExecute {
		res.ToolCalls = nil
		st.PendingCalls = nil
		return
	}

	valid := make([]ToolCall, 0, len(res.ToolCalls))
	for _, call := range res.ToolCalls {
		if len(call.ToolArgs) == 0 || string(call.ToolArgs) == "null" {
			call.ToolArgs = json.RawMessage("{}")
		}
		if err := r.registry.Validate(call.ToolName, call.ToolArgs); err != nil {
			level := r.logger.Warn
			if !errors.Is(err, tools.ErrUnknownTool) {
				level = r.logger.Info
			}
			level("dropping tool call", zap.String("thread_id", st.ThreadID), zap.String("tool", call.ToolName), zap.Error(err))
			st.trace("dropped tool call %s: %v", call.ToolName, err)
			continue
		}
		if call.ToolName == tools.NameRetrieveChunks && st.RetrievalAttempts >= st.MaxRetrievalAttempts {
			st.trace("dropped retrieve_chunks: %d retrieval attempts already used", st.RetrievalAttempts)
			continue
		}
		valid = append(valid, call)
	}
	res.ToolCalls = valid
	st.PendingCalls = valid
	if len(valid) == 0 {
		st.trace("no valid tool calls remain; answering directly")
	}
}

func (r *Runner) classifyMessages(st *AgentState) []*schema.Message {
	system := fmt.Sprintf(ClassifyPrompt, r.registry.Catalog())
	if scan := st.Metadata.InjectionScan; scan != nil && scan.Detected {
		system += fmt.Sprintf(InjectionNotice, strings.Join(scan.Matches, ", "))
	}
	msgs := make([]*schema.Message, 0, len(st.ConversationHistory)+3)
	msgs = append(msgs, schema.SystemMessage(system))
	msgs = append(msgs, st.ConversationHistory...)
	if len(st.ToolHistory) > 0 {
		var b strings.Builder
		b.WriteString("Tool calls already made for this query:\n")
		for _, h := range st.ToolHistory {
			if h.Success {
				fmt.Fprintf(&b, "- %s %s: %s\n", h.ToolName, h.ToolArgs, h.ResultSummary)
			} else {
				fmt.Fprintf(&b, "- %s %s failed: %s\n", h.ToolName, h.ToolArgs, h.Error)
			}
		}
		msgs = append(msgs, schema.SystemMessage(strings.TrimSpace(b.String())))
	}
	msgs = append(msgs, schema.UserMessage(st.OriginalQuery))
	return msgs
}

// grade 判断当前检索批次是否足以回答原始问题；不足时安排改写重试或标记 best-effort。
func (r *Runner) grade(ctx context.Context, st *AgentState, _ Emitter) error {
	prompt := fmt.Sprintf("Question: %s\n\nPassages:\n%s", st.OriginalQuery, tools.FormatPassages(st.RelevantChunks))
	out, err := r.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(GradePrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return fmt.Errorf("grade: %w", err)
	}
	var ev EvaluationResult
	if err := llm.DecodeJSON(out.Content, &ev); err != nil {
		return fmt.Errorf("grade: %w: %v", errInvalidModelResponse, err)
	}
	st.Evaluation = &ev

	if ev.Sufficient {
		st.trace("retrieval attempt %d sufficient: %s", st.RetrievalAttempts, ev.Reasoning)
		return nil
	}
	if st.RetrievalAttempts < st.MaxRetrievalAttempts {
		rewrite := st.currentQuery()
		if ev.SuggestedRewrite != nil && strings.TrimSpace(*ev.SuggestedRewrite) != "" {
			rewrite = strings.TrimSpace(*ev.SuggestedRewrite)
		}
		st.RewrittenQuery = rewrite
		args, err := json.Marshal(tools.RetrieveArgs{Query: rewrite, TopK: st.Metadata.TopK})
		if err != nil {
			return fmt.Errorf("grade: encode retry args: %w", err)
		}
		st.PendingCalls = []ToolCall{{ToolName: tools.NameRetrieveChunks, ToolArgs: args}}
		st.trace("retrieval attempt %d insufficient (%s); retrying with %q", st.RetrievalAttempts, ev.Reasoning, rewrite)
		return nil
	}

	st.Metadata.BestEffort = true
	st.Metadata.BestEffortReason = reasonRetrievalExhausted
	st.trace("retrieval still insufficient after %d attempts; answering best-effort", st.RetrievalAttempts)
	return nil
}

// refuse 为 out_of_scope 的终止路径，不调用模型。
func (r *Runner) refuse(_ context.Context, st *AgentState, emit Emitter) error {
	st.Answer = RefusalMessage
	st.Messages = append(st.Messages, schema.AssistantMessage(st.Answer, nil))
	emit.emit(Event{Type: EventToken, ThreadID: st.ThreadID, Node: NodeRefuse, Content: st.Answer})
	return nil
}
