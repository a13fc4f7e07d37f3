package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

const summaryLimit = 280

const errSecondConfirmation = "only one confirmation per turn: another request is already awaiting the user's decision; call this tool again after it is resolved"

// execute 并发执行本批次的工具调用，然后按输入顺序写回结果。
//
// 单个工具失败只记录为 success=false，不影响同批次其他调用；
// last_executed_tools 每次重置，tool_history 只追加。
func (r *Runner) execute(ctx context.Context, st *AgentState, emit Emitter) error {
	calls := st.PendingCalls
	st.PendingCalls = nil
	st.LastExecutedTools = make([]string, 0, len(calls))
	if len(calls) == 0 {
		return nil
	}

	for _, call := range calls {
		emit.emit(Event{Type: EventToolStart, ThreadID: st.ThreadID, Node: NodeExecute, Tool: call.ToolName, Args: call.ToolArgs})
	}

	results := make([]tools.Result, len(calls))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.registry.Invoke(ctx, call.ToolName, call.ToolArgs)
			return nil
		})
	}
	_ = g.Wait()

	var (
		retrieved bool
		batch     []retrieval.Result
		pausing   = st.PauseReason != ""
	)
	for i, call := range calls {
		res := results[i]
		// 一轮只能挂起一次确认，多出来的确认请求按失败记录，让模型在恢复后重新发起。
		rejected := false
		if res.Success && res.Confirmation != nil {
			if pausing {
				res = tools.Result{Success: false, Error: errSecondConfirmation}
				rejected = true
			}
			pausing = true
		}
		st.LastExecutedTools = append(st.LastExecutedTools, call.ToolName)

		rec := ToolExecution{
			ToolName:  call.ToolName,
			ToolArgs:  call.ToolArgs,
			Success:   res.Success,
			Iteration: st.Iteration,
		}
		if res.Success {
			rec.ResultSummary = clip(res.PromptText, summaryLimit)
		} else {
			rec.Error = res.Error
			r.logger.Info("tool failed",
				zap.String("thread_id", st.ThreadID),
				zap.String("tool", call.ToolName),
				zap.String("error", res.Error))
		}
		st.ToolHistory = append(st.ToolHistory, rec)
		r.metrics.ToolCalled(call.ToolName, res.Success)

		ok := res.Success
		ev := Event{Type: EventToolResult, ThreadID: st.ThreadID, Node: NodeExecute, Tool: call.ToolName, Success: &ok}
		if ok {
			ev.Content = rec.ResultSummary
		} else {
			ev.Error = res.Error
		}
		emit.emit(ev)

		if call.ToolName == tools.NameRetrieveChunks {
			retrieved = true
			if chunks, isChunks := res.Data.([]retrieval.Result); res.Success && isChunks {
				batch = append(batch, chunks...)
			}
		}
		if rejected {
			st.ToolOutputs = append(st.ToolOutputs, ToolOutput{ToolName: call.ToolName, PromptText: res.Error})
			continue
		}
		if !res.Success {
			continue
		}

		if res.Confirmation != nil {
			st.PauseReason = res.Confirmation.Reason
			st.PauseData = res.Confirmation.Payload
			st.Metadata.Confirmation = &ConfirmationRecord{Reason: res.Confirmation.Reason, Data: res.Confirmation.Payload}
			continue
		}

		out := ToolOutput{ToolName: call.ToolName, PromptText: res.PromptText}
		if call.ToolName != tools.NameRetrieveChunks {
			if raw, err := json.Marshal(res.Data); err == nil {
				out.Data = raw
			}
		}
		st.ToolOutputs = append(st.ToolOutputs, out)
	}

	if retrieved {
		st.RetrievalAttempts++
		st.RelevantChunks = mergeChunks(nil, batch)
		st.RetrievedChunks = mergeChunks(st.RetrievedChunks, batch)
	}
	return nil
}

// mergeChunks 按块 ID 去重追加，保持先到先得的顺序。
func mergeChunks(dst []retrieval.Result, src []retrieval.Result) []retrieval.Result {
	seen := make(map[uint64]bool, len(dst)+len(src))
	out := make([]retrieval.Result, 0, len(dst)+len(src))
	for _, c := range dst {
		if !seen[c.ChunkID] {
			seen[c.ChunkID] = true
			out = append(out, c)
		}
	}
	for _, c := range src {
		if !seen[c.ChunkID] {
			seen[c.ChunkID] = true
			out = append(out, c)
		}
	}
	return out
}

func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
