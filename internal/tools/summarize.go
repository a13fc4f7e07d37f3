package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

const summarizeSystemPrompt = `You summarize academic papers for researchers.
Write a concise summary (at most 200 words) covering: the problem, the method, the key results and the limitations.
Only use the provided text. Do not invent numbers.`

// SummarizePaperTool 基于语料库中的论文内容生成摘要。
type SummarizePaperTool struct {
	Corpus Corpus
	Model  model.BaseChatModel
	// MaxChars 限制送入模型的原文长度。
	MaxChars int
}

type SummarizeArgs struct {
	ArxivID string `json:"arxiv_id"`
}

type PaperDigest struct {
	ArxivID string `json:"arxiv_id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

func (t *SummarizePaperTool) Name() string { return NameSummarizePaper }

func (t *SummarizePaperTool) Description() string {
	return "Summarize a paper that is already in the corpus."
}

func (t *SummarizePaperTool) Params() map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"arxiv_id": {
			Desc:     "arXiv identifier of an ingested paper",
			Type:     schema.String,
			Required: true,
		},
	}
}

func (t *SummarizePaperTool) Execute(ctx context.Context, raw json.RawMessage) Result {
	var args SummarizeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Failure(fmt.Sprintf("invalid arguments: %v", err))
	}
	id := scholar.NormalizeArxivID(args.ArxivID)
	if id == "" {
		return Failure("arxiv_id is required")
	}

	paper, err := t.Corpus.GetPaperByArxivID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return Failure(fmt.Sprintf("paper arXiv:%s is not in the corpus; ingest it first", id))
		}
		return Failure(fmt.Sprintf("load paper failed: %v", err))
	}
	chunks, err := t.Corpus.ListChunksByPaper(ctx, paper.ID, 50)
	if err != nil {
		return Failure(fmt.Sprintf("load paper text failed: %v", err))
	}

	maxChars := t.MaxChars
	if maxChars <= 0 {
		maxChars = 8000
	}
	var text strings.Builder
	fmt.Fprintf(&text, "Title: %s\nAuthors: %s\n\nAbstract:\n%s\n\n", paper.Title, paper.Authors, paper.Abstract)
	for _, c := range chunks {
		if text.Len()+len(c.Content) > maxChars {
			break
		}
		text.WriteString(c.Content)
		text.WriteString("\n")
	}

	out, err := t.Model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(summarizeSystemPrompt),
		schema.UserMessage(text.String()),
	})
	if err != nil {
		return Failure(fmt.Sprintf("summarization failed: %v", err))
	}

	digest := PaperDigest{ArxivID: id, Title: paper.Title, Summary: strings.TrimSpace(out.Content)}
	return Result{
		Success:    true,
		Data:       digest,
		PromptText: fmt.Sprintf("Summary of %s (arXiv:%s):\n%s", digest.Title, id, digest.Summary),
	}
}
