package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/reqctx"
	"github.com/wwwzy/PaperAgent/internal/scholar"
)

// ConfirmIngestReason 是入库提议触发的暂停原因。
const ConfirmIngestReason = "confirm_ingest"

// IngestProposal 是等待用户确认的入库提议，作为暂停数据持久化在检查点中。
type IngestProposal struct {
	Query  string          `json:"query,omitempty"`
	Papers []scholar.Paper `json:"papers"`
}

// IngestPapersTool 只“提议”入库：解析候选论文、去重、检查额度，然后请求用户确认。
// 真正的入库在用户同意之后由 confirm_ingest 节点执行。
type IngestPapersTool struct {
	Source PaperSource
	Corpus Corpus
	Quota  QuotaChecker
}

type IngestArgs struct {
	ArxivIDs  []string `json:"arxiv_ids,omitempty"`
	Query     string   `json:"query,omitempty"`
	MaxPapers int      `json:"max_papers,omitempty"`
}

func (t *IngestPapersTool) Name() string { return NameIngestPapers }

func (t *IngestPapersTool) Description() string {
	return "Propose adding papers to the shared corpus, either by explicit arXiv ids or by an arXiv search query. The user must confirm before anything is ingested."
}

func (t *IngestPapersTool) Params() map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"arxiv_ids": {
			Desc: "Explicit arXiv identifiers to ingest",
			Type: schema.Array,
			ElemInfo: &schema.ParameterInfo{
				Type: schema.String,
			},
		},
		"query": {
			Desc: "arXiv search query used when no ids are given",
			Type: schema.String,
		},
		"max_papers": {
			Desc: "Maximum number of papers to propose (default 5, max 20)",
			Type: schema.Integer,
		},
	}
}

func (t *IngestPapersTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args IngestArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Failure(fmt.Sprintf("invalid arguments: %v", err))
	}
	limit := clamp(args.MaxPapers, 5, 20)

	var (
		candidates []scholar.Paper
		err        error
	)
	switch {
	case len(args.ArxivIDs) > 0:
		ids := make([]string, 0, len(args.ArxivIDs))
		seen := map[string]bool{}
		for _, s := range args.ArxivIDs {
			id := scholar.NormalizeArxivID(s)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		if len(ids) > limit {
			ids = ids[:limit]
		}
		candidates, err = t.Source.Lookup(ctx, ids)
	case strings.TrimSpace(args.Query) != "":
		candidates, err = t.Source.Search(ctx, args.Query, limit)
	default:
		return Failure("either arxiv_ids or query is required")
	}
	if err != nil {
		return Failure(fmt.Sprintf("resolve candidate papers failed: %v", err))
	}

	ids := make([]string, 0, len(candidates))
	for _, p := range candidates {
		ids = append(ids, p.ArxivID)
	}
	existing, err := t.Corpus.ExistingArxivIDs(ctx, ids)
	if err != nil {
		return Failure(fmt.Sprintf("check corpus failed: %v", err))
	}
	fresh := make([]scholar.Paper, 0, len(candidates))
	for _, p := range candidates {
		if !existing[p.ArxivID] {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return Result{
			Success:    true,
			Data:       IngestProposal{Query: args.Query, Papers: []scholar.Paper{}},
			PromptText: "All requested papers are already in the corpus; nothing to ingest.",
		}
	}

	// 额度检查必须在任何副作用之前完成。
	if t.Quota != nil {
		remaining, err := t.Quota.Remaining(ctx, reqctx.UserID(ctx), quota.KindIngest)
		if err != nil {
			return Failure(fmt.Sprintf("check ingest quota failed: %v", err))
		}
		if remaining != quota.Unlimited && len(fresh) > remaining {
			return Failure(fmt.Sprintf("Daily ingest quota exceeded: %d papers proposed but only %d remaining today.", len(fresh), remaining))
		}
	}

	proposal := IngestProposal{Query: args.Query, Papers: fresh}
	payload, err := json.Marshal(proposal)
	if err != nil {
		return Failure(fmt.Sprintf("encode proposal failed: %v", err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Proposed %d papers for ingestion (awaiting user confirmation):\n", len(fresh))
	for _, p := range fresh {
		fmt.Fprintf(&b, "- %s (arXiv:%s)\n", p.Title, p.ArxivID)
	}
	return Result{
		Success:    true,
		Data:       proposal,
		PromptText: strings.TrimSpace(b.String()),
		Confirmation: &Confirmation{
			Reason:  ConfirmIngestReason,
			Payload: payload,
		},
	}
}
