package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

type failingSource struct{ err error }

func (f failingSource) Search(context.Context, string, int) ([]scholar.Paper, error) {
	return nil, f.err
}

func (f failingSource) Lookup(context.Context, []string) ([]scholar.Paper, error) {
	return nil, f.err
}

type fakeCitations struct {
	papers []scholar.Paper
	err    error

	gotID        string
	gotDirection string
	gotLimit     int
}

func (f *fakeCitations) Citations(_ context.Context, arxivID, direction string, limit int) ([]scholar.Paper, error) {
	f.gotID, f.gotDirection, f.gotLimit = arxivID, direction, limit
	return f.papers, f.err
}

func TestArxivSearch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.InsertPaperWithChunks(ctx, &storage.Paper{ArxivID: "2401.00002", Title: "Paper B", Published: time.Now()}, nil)
	require.NoError(t, err)

	tests := []struct {
		name        string
		source      PaperSource
		args        string
		wantSuccess bool
		wantHits    int
		wantText    []string
		wantError   string
	}{
		{
			name:        "marks papers already in corpus",
			source:      &fakeSource{papers: candidates(3)},
			args:        `{"query":"transformers"}`,
			wantSuccess: true,
			wantHits:    3,
			wantText:    []string{"1. Paper A (arXiv:2401.00001", "2. Paper B (arXiv:2401.00002, 0) [in corpus]"},
		},
		{
			name:        "respects max_results",
			source:      &fakeSource{papers: candidates(3)},
			args:        `{"query":"transformers","max_results":1}`,
			wantSuccess: true,
			wantHits:    1,
		},
		{
			name:        "empty result",
			source:      &fakeSource{},
			args:        `{"query":"nothing"}`,
			wantSuccess: true,
			wantText:    []string{"No arXiv papers matched the query."},
		},
		{
			name:      "blank query",
			source:    &fakeSource{},
			args:      `{"query":"  "}`,
			wantError: "query is required",
		},
		{
			name:      "upstream failure",
			source:    failingSource{err: errors.New("connection reset")},
			args:      `{"query":"x"}`,
			wantError: "connection reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &ArxivSearchTool{Source: tt.source, Corpus: store}
			res := tool.Execute(ctx, json.RawMessage(tt.args))
			require.Equal(t, tt.wantSuccess, res.Success, res.Error)
			if !tt.wantSuccess {
				assert.Contains(t, res.Error, tt.wantError)
				return
			}
			hits := res.Data.([]ArxivHit)
			assert.Len(t, hits, tt.wantHits)
			for _, want := range tt.wantText {
				assert.Contains(t, res.PromptText, want)
			}
		})
	}
}

func TestArxivSearchInCorpusFlag(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.InsertPaperWithChunks(ctx, &storage.Paper{ArxivID: "2401.00001", Title: "Paper A", Published: time.Now()}, nil)
	require.NoError(t, err)

	res := (&ArxivSearchTool{Source: &fakeSource{papers: candidates(2)}, Corpus: store}).
		Execute(ctx, json.RawMessage(`{"query":"paper"}`))
	require.True(t, res.Success)
	hits := res.Data.([]ArxivHit)
	require.Len(t, hits, 2)
	assert.True(t, hits[0].InCorpus)
	assert.False(t, hits[1].InCorpus)

	// 没有语料库时全部视为未入库
	res = (&ArxivSearchTool{Source: &fakeSource{papers: candidates(2)}}).
		Execute(ctx, json.RawMessage(`{"query":"paper"}`))
	require.True(t, res.Success)
	for _, h := range res.Data.([]ArxivHit) {
		assert.False(t, h.InCorpus)
	}
	assert.NotContains(t, res.PromptText, "[in corpus]")
}

func TestExploreCitations(t *testing.T) {
	citing := []scholar.Paper{
		{ArxivID: "2401.00009", Title: "Follow-up", Year: 2024},
		{Title: "Journal only", Year: 2023},
	}

	tests := []struct {
		name          string
		source        *fakeCitations
		args          string
		wantSuccess   bool
		wantDirection string
		wantLimit     int
		wantText      []string
		wantError     string
	}{
		{
			name:          "citations by default",
			source:        &fakeCitations{papers: citing},
			args:          `{"arxiv_id":"arXiv:1706.03762v5"}`,
			wantSuccess:   true,
			wantDirection: scholar.DirectionCitations,
			wantLimit:     10,
			wantText: []string{
				"Papers citing arXiv:1706.03762 (2):",
				"- Follow-up (2024) arXiv:2401.00009",
				"- Journal only (2023)",
			},
		},
		{
			name:          "references label",
			source:        &fakeCitations{papers: citing[:1]},
			args:          `{"arxiv_id":"1706.03762","direction":"references","limit":3}`,
			wantSuccess:   true,
			wantDirection: scholar.DirectionReferences,
			wantLimit:     3,
			wantText:      []string{"Papers referenced by arXiv:1706.03762 (1):"},
		},
		{
			name:          "no papers",
			source:        &fakeCitations{},
			args:          `{"arxiv_id":"1706.03762"}`,
			wantSuccess:   true,
			wantDirection: scholar.DirectionCitations,
			wantLimit:     10,
			wantText:      []string{"Papers citing arXiv:1706.03762 (0):"},
		},
		{
			name:      "not found in index",
			source:    &fakeCitations{err: &scholar.StatusError{Code: http.StatusNotFound, Body: "Paper not found"}},
			args:      `{"arxiv_id":"1706.03762"}`,
			wantError: "paper arXiv:1706.03762 was not found in the citation index",
		},
		{
			name:      "other upstream failure",
			source:    &fakeCitations{err: &scholar.StatusError{Code: http.StatusBadGateway, Body: "bad gateway"}},
			args:      `{"arxiv_id":"1706.03762"}`,
			wantError: "citation lookup failed",
		},
		{
			name:      "missing id",
			source:    &fakeCitations{},
			args:      `{"direction":"citations"}`,
			wantError: "arxiv_id is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := (&ExploreCitationsTool{Source: tt.source}).Execute(context.Background(), json.RawMessage(tt.args))
			require.Equal(t, tt.wantSuccess, res.Success, res.Error)
			if !tt.wantSuccess {
				assert.Contains(t, res.Error, tt.wantError)
				return
			}
			assert.Equal(t, "1706.03762", tt.source.gotID)
			assert.Equal(t, tt.wantDirection, tt.source.gotDirection)
			assert.Equal(t, tt.wantLimit, tt.source.gotLimit)
			assert.NotNil(t, res.Data)
			for _, want := range tt.wantText {
				assert.Contains(t, res.PromptText, want)
			}
		})
	}
}

func TestExploreCitationsDirectionEnum(t *testing.T) {
	src := &fakeCitations{}
	r := NewRegistry()
	require.NoError(t, r.Register(&ExploreCitationsTool{Source: src}))

	assert.NoError(t, r.Validate(NameExploreCitations, json.RawMessage(`{"arxiv_id":"1706.03762","direction":"references"}`)))
	assert.Error(t, r.Validate(NameExploreCitations, json.RawMessage(`{"arxiv_id":"1706.03762","direction":"sideways"}`)))

	res := r.Invoke(context.Background(), NameExploreCitations, json.RawMessage(`{"arxiv_id":"1706.03762","direction":"sideways"}`))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
	assert.Empty(t, src.gotID)
}
