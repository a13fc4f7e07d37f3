package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/retrieval"
)

// RetrieveChunksTool 在已入库语料上做混合检索。
type RetrieveChunksTool struct {
	Searcher Searcher
	TopK     int
}

type RetrieveArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (t *RetrieveChunksTool) Name() string { return NameRetrieveChunks }

func (t *RetrieveChunksTool) Description() string {
	return "Search the ingested paper corpus for passages relevant to a question (hybrid vector + full-text search). Use this first for any question about paper content."
}

func (t *RetrieveChunksTool) Params() map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"query": {
			Desc:     "Self-contained search query",
			Type:     schema.String,
			Required: true,
		},
		"top_k": {
			Desc: "Number of passages to return",
			Type: schema.Integer,
		},
	}
}

func (t *RetrieveChunksTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args RetrieveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Failure(fmt.Sprintf("invalid arguments: %v", err))
	}
	if strings.TrimSpace(args.Query) == "" {
		return Failure("query is required")
	}
	topK := clamp(args.TopK, t.TopK, 20)
	if topK <= 0 {
		topK = 3
	}

	results, err := t.Searcher.Search(ctx, args.Query, topK)
	if err != nil {
		return Failure(fmt.Sprintf("retrieval failed: %v", err))
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	return Result{
		Success:    true,
		Data:       results,
		PromptText: FormatPassages(results),
	}
}

// FormatPassages 把检索结果渲染成带编号出处的段落，编号即答案中的引用标记 [n]。
func FormatPassages(results []retrieval.Result) string {
	if len(results) == 0 {
		return "No relevant passages found in the corpus."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s (arXiv:%s, passage %d)\n%s", i+1, r.Title, r.ArxivID, r.Ordinal+1, strings.TrimSpace(r.Content))
	}
	return b.String()
}
