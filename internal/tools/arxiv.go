package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// ArxivSearchTool 在 arXiv 上检索论文（不入库），并标记哪些已经在语料库中。
type ArxivSearchTool struct {
	Source PaperSource
	Corpus Corpus
}

type ArxivSearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type ArxivHit struct {
	ArxivID  string   `json:"arxiv_id"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Category string   `json:"category,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	InCorpus bool     `json:"in_corpus"`
}

func (t *ArxivSearchTool) Name() string { return NameArxivSearch }

func (t *ArxivSearchTool) Description() string {
	return "Search arXiv for papers that are not necessarily in the corpus. Returns metadata only; use ingest_papers to add results to the corpus."
}

func (t *ArxivSearchTool) Params() map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"query": {
			Desc:     "Keywords to search for",
			Type:     schema.String,
			Required: true,
		},
		"max_results": {
			Desc: "Maximum number of results (default 5, max 20)",
			Type: schema.Integer,
		},
	}
}

func (t *ArxivSearchTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args ArxivSearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Failure(fmt.Sprintf("invalid arguments: %v", err))
	}
	if strings.TrimSpace(args.Query) == "" {
		return Failure("query is required")
	}

	papers, err := t.Source.Search(ctx, args.Query, clamp(args.MaxResults, 5, 20))
	if err != nil {
		return Failure(fmt.Sprintf("arxiv search failed: %v", err))
	}

	ids := make([]string, 0, len(papers))
	for _, p := range papers {
		ids = append(ids, p.ArxivID)
	}
	existing := map[string]bool{}
	if t.Corpus != nil {
		if m, err := t.Corpus.ExistingArxivIDs(ctx, ids); err == nil {
			existing = m
		}
	}

	hits := make([]ArxivHit, 0, len(papers))
	var b strings.Builder
	for i, p := range papers {
		hits = append(hits, ArxivHit{
			ArxivID:  p.ArxivID,
			Title:    p.Title,
			Authors:  p.Authors,
			Year:     p.Year,
			Category: p.Category,
			Abstract: truncate(p.Abstract, 600),
			InCorpus: existing[p.ArxivID],
		})
		mark := ""
		if existing[p.ArxivID] {
			mark = " [in corpus]"
		}
		fmt.Fprintf(&b, "%d. %s (arXiv:%s, %d)%s\n", i+1, p.Title, p.ArxivID, p.Year, mark)
	}
	if len(hits) == 0 {
		b.WriteString("No arXiv papers matched the query.")
	}
	return Result{Success: true, Data: hits, PromptText: strings.TrimSpace(b.String())}
}
