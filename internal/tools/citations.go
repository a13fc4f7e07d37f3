package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/scholar"
)

// ExploreCitationsTool 查询论文的引用与参考文献。
type ExploreCitationsTool struct {
	Source CitationSource
}

type ExploreCitationsArgs struct {
	ArxivID   string `json:"arxiv_id"`
	Direction string `json:"direction,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (t *ExploreCitationsTool) Name() string { return NameExploreCitations }

func (t *ExploreCitationsTool) Description() string {
	return "Explore the citation graph of a paper: papers that cite it (citations) or papers it cites (references)."
}

func (t *ExploreCitationsTool) Params() map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"arxiv_id": {
			Desc:     "arXiv identifier, e.g. 1706.03762",
			Type:     schema.String,
			Required: true,
		},
		"direction": {
			Desc: "citations (default) or references",
			Type: schema.String,
			Enum: []string{scholar.DirectionCitations, scholar.DirectionReferences},
		},
		"limit": {
			Desc: "Maximum number of papers (default 10, max 50)",
			Type: schema.Integer,
		},
	}
}

func (t *ExploreCitationsTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args ExploreCitationsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Failure(fmt.Sprintf("invalid arguments: %v", err))
	}
	id := scholar.NormalizeArxivID(args.ArxivID)
	if id == "" {
		return Failure("arxiv_id is required")
	}
	direction := args.Direction
	if direction == "" {
		direction = scholar.DirectionCitations
	}

	papers, err := t.Source.Citations(ctx, id, direction, clamp(args.Limit, 10, 50))
	if err != nil {
		if scholar.IsNotFound(err) {
			return Failure(fmt.Sprintf("paper arXiv:%s was not found in the citation index", id))
		}
		return Failure(fmt.Sprintf("citation lookup failed: %v", err))
	}

	var b strings.Builder
	label := "Papers citing"
	if direction == scholar.DirectionReferences {
		label = "Papers referenced by"
	}
	fmt.Fprintf(&b, "%s arXiv:%s (%d):\n", label, id, len(papers))
	for _, p := range papers {
		fmt.Fprintf(&b, "- %s (%d)", p.Title, p.Year)
		if p.ArxivID != "" {
			fmt.Fprintf(&b, " arXiv:%s", p.ArxivID)
		}
		b.WriteString("\n")
	}
	if papers == nil {
		papers = []scholar.Paper{}
	}
	return Result{Success: true, Data: papers, PromptText: strings.TrimSpace(b.String())}
}
