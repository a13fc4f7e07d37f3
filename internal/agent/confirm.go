package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

const declinedSummary = "User declined paper ingestion"

// confirmIngest 是 HITL 中断节点。执行在进入该节点前挂起，Resume 把用户决定写入 st.Decision 后才会运行到这里。
//
// 节点把决定转换为一条合成的工具输出，清空挂起字段，然后交给生成节点；提议工具不会被重新执行。
func (r *Runner) confirmIngest(ctx context.Context, st *AgentState, emit Emitter) error {
	d := st.Decision
	if d == nil {
		return errors.New("confirm_ingest: resume decision is missing")
	}

	var summary string
	ok := true
	switch {
	case d.Declined:
		summary = declinedSummary
	case d.PapersProcessed != nil:
		summary = fmt.Sprintf("User approved. Ingested %d papers.", *d.PapersProcessed)
	default:
		n, failed, err := r.ingestApproved(ctx, st)
		var exceeded *quota.ExceededError
		switch {
		case errors.As(err, &exceeded):
			summary = fmt.Sprintf("User approved, but the daily ingest quota is exhausted: only %d papers remaining today. Nothing was ingested.", exceeded.Remaining)
			ok = false
		case err != nil:
			return err
		default:
			summary = fmt.Sprintf("User approved. Ingested %d papers.", n)
			if failed > 0 {
				summary += fmt.Sprintf(" %d papers could not be ingested.", failed)
			}
		}
	}

	st.ToolOutputs = append(st.ToolOutputs, ToolOutput{ToolName: tools.NameIngestPapers, PromptText: summary})
	if st.Metadata.Confirmation == nil {
		st.Metadata.Confirmation = &ConfirmationRecord{Reason: st.PauseReason, Data: st.PauseData}
	}
	st.Metadata.Confirmation.Decision = d
	st.trace("confirmation %s resolved: %s", st.PauseReason, summary)

	st.PauseReason = ""
	st.PauseData = nil
	st.Decision = nil

	emit.emit(Event{Type: EventToolResult, ThreadID: st.ThreadID, Node: NodeConfirmIngest, Tool: tools.NameIngestPapers, Success: &ok, Content: summary})
	return nil
}

// ingestApproved 复查额度后同步入库用户同意的论文，成功后按实际入库篇数累加入库额度。
// 额度不足时返回 *quota.ExceededError，不产生任何入库。
func (r *Runner) ingestApproved(ctx context.Context, st *AgentState) (int, int, error) {
	if r.ingestor == nil {
		return 0, 0, errors.New("confirm_ingest: no ingestor configured")
	}
	var proposal tools.IngestProposal
	if err := json.Unmarshal(st.PauseData, &proposal); err != nil {
		return 0, 0, fmt.Errorf("confirm_ingest: decode proposal: %w", err)
	}

	if r.usage != nil {
		if err := r.usage.Check(ctx, st.UserID, quota.KindIngest, len(proposal.Papers)); err != nil {
			if quota.IsExceeded(err) {
				r.metrics.QuotaRejected(string(quota.KindIngest))
				return 0, 0, err
			}
			return 0, 0, fmt.Errorf("confirm_ingest: check quota: %w", err)
		}
	}

	res, err := r.ingestor.IngestBatch(ctx, proposal.Papers, st.UserID)
	if err != nil {
		return 0, 0, fmt.Errorf("confirm_ingest: %w", err)
	}
	if res.Processed > 0 && r.usage != nil {
		if _, err := r.usage.Increment(ctx, st.UserID, quota.KindIngest, res.Processed); err != nil {
			r.logger.Warn("failed to record ingest usage",
				zap.String("thread_id", st.ThreadID),
				zap.String("user_id", st.UserID),
				zap.Error(err))
		}
	}
	return res.Processed, len(res.Failed), nil
}
