package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/storage"
)

// ListPapersTool 列出语料库中的论文。
type ListPapersTool struct {
	Corpus Corpus
}

type ListPapersArgs struct {
	Category string `json:"category,omitempty"`
	Contains string `json:"contains,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type PaperSummary struct {
	ArxivID    string `json:"arxiv_id"`
	Title      string `json:"title"`
	Authors    string `json:"authors,omitempty"`
	Category   string `json:"category,omitempty"`
	Year       int    `json:"year,omitempty"`
	ChunkCount int    `json:"chunk_count"`
}

type ListPapersData struct {
	Total  int64          `json:"total"`
	Papers []PaperSummary `json:"papers"`
}

func (t *ListPapersTool) Name() string { return NameListPapers }

func (t *ListPapersTool) Description() string {
	return "List papers already ingested into the corpus, optionally filtered by arXiv category or a title/author substring."
}

func (t *ListPapersTool) Params() map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"category": {
			Desc: "arXiv category such as cs.CL",
			Type: schema.String,
		},
		"contains": {
			Desc: "Substring to match against title or authors",
			Type: schema.String,
		},
		"limit": {
			Desc: "Maximum number of papers (default 20, max 100)",
			Type: schema.Integer,
		},
	}
}

func (t *ListPapersTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args ListPapersArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Failure(fmt.Sprintf("invalid arguments: %v", err))
	}

	papers, total, err := t.Corpus.ListPapers(ctx, storage.PaperQuery{
		Category: strings.TrimSpace(args.Category),
		Contains: strings.TrimSpace(args.Contains),
		Limit:    clamp(args.Limit, 20, 100),
	})
	if err != nil {
		return Failure(fmt.Sprintf("list papers failed: %v", err))
	}

	data := ListPapersData{Total: total, Papers: make([]PaperSummary, 0, len(papers))}
	var b strings.Builder
	fmt.Fprintf(&b, "The corpus contains %d matching papers", total)
	if len(papers) < int(total) {
		fmt.Fprintf(&b, " (showing %d)", len(papers))
	}
	b.WriteString(":\n")
	for _, p := range papers {
		s := PaperSummary{
			ArxivID:    p.ArxivID,
			Title:      p.Title,
			Authors:    p.Authors,
			Category:   p.Category,
			ChunkCount: p.ChunkCount,
		}
		if !p.Published.IsZero() {
			s.Year = p.Published.Year()
		}
		data.Papers = append(data.Papers, s)
		fmt.Fprintf(&b, "- %s (arXiv:%s)\n", p.Title, p.ArxivID)
	}
	return Result{Success: true, Data: data, PromptText: strings.TrimSpace(b.String())}
}
