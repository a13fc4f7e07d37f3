package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

func TestSplitterRespectsSizeAndOverlap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "Sentence number %d talks about retrieval. ", i)
	}
	s := NewSplitter(200, 50)
	chunks := s.Split(b.String())

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
		assert.NotEmpty(t, c)
	}
	for i := 1; i < len(chunks); i++ {
		head := chunks[i][:20]
		assert.Contains(t, chunks[i-1], head, "chunk %d should start with the tail of chunk %d", i, i-1)
	}
}

func TestSplitterPrefersParagraphs(t *testing.T) {
	text := strings.Repeat("a", 80) + "\n\n" + strings.Repeat("b", 80) + "\n\n" + strings.Repeat("c", 80)
	chunks := NewSplitter(100, 0).Split(text)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("b", 80), chunks[1])
}

func TestSplitterHardSplitKeepsRunes(t *testing.T) {
	text := strings.Repeat("检索", 100)
	chunks := NewSplitter(50, 10).Split(text)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 50)
		assert.True(t, strings.HasPrefix(c, "检") || strings.HasPrefix(c, "索"))
	}
	assert.Nil(t, NewSplitter(50, 10).Split("   "))
}

type flakyEmbedder struct {
	inner embedding.Embedder
	fails int32
	calls atomic.Int32
}

func (f *flakyEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if f.calls.Add(1) <= f.fails {
		return nil, errors.New("embedding service unavailable")
	}
	return f.inner.EmbedStrings(ctx, texts, opts...)
}

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "ingest.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 120
	cfg.ChunkOverlap = 20
	cfg.RetryInterval = time.Millisecond
	return cfg
}

func paper(id string) scholar.Paper {
	return scholar.Paper{
		ArxivID:  id,
		Title:    "Reciprocal rank fusion " + id,
		Authors:  []string{"Ada", "Grace"},
		Abstract: strings.Repeat("Hybrid retrieval combines dense vectors with sparse keyword search. ", 6),
		Category: "cs.IR",
	}
}

func TestIngestPaperIsIdempotent(t *testing.T) {
	store := openStore(t)
	p := NewPipeline(store, llm.NewHashEmbedder(64), testConfig(), nil)
	ctx := context.Background()

	created, err := p.IngestPaper(ctx, paper("arXiv:2401.00001v1"), "alice")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = p.IngestPaper(ctx, paper("2401.00001"), "alice")
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetPaperByArxivID(ctx, "2401.00001")
	require.NoError(t, err)
	assert.Equal(t, "Ada, Grace", got.Authors)
	assert.Equal(t, "alice", got.IngestedBy)
	assert.Greater(t, got.ChunkCount, 1)

	hits, err := store.FullTextSearch(ctx, "sparse keyword", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestIngestPaperRetriesTransientFailures(t *testing.T) {
	store := openStore(t)
	emb := &flakyEmbedder{inner: llm.NewHashEmbedder(64), fails: 2}
	p := NewPipeline(store, emb, testConfig(), nil)

	created, err := p.IngestPaper(context.Background(), paper("2401.00002"), "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, 3, emb.calls.Load())
}

func TestIngestPaperGivesUpAfterMaxTries(t *testing.T) {
	store := openStore(t)
	emb := &flakyEmbedder{inner: llm.NewHashEmbedder(64), fails: 10}
	p := NewPipeline(store, emb, testConfig(), nil)

	_, err := p.IngestPaper(context.Background(), paper("2401.00003"), "bob")
	require.Error(t, err)
	assert.EqualValues(t, 3, emb.calls.Load())

	n, err := store.CountPapers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestBatchCountsProcessed(t *testing.T) {
	store := openStore(t)
	p := NewPipeline(store, llm.NewHashEmbedder(64), testConfig(), nil)
	ctx := context.Background()

	_, err := p.IngestPaper(ctx, paper("2401.00001"), "alice")
	require.NoError(t, err)

	res, err := p.IngestBatch(ctx, []scholar.Paper{
		paper("2401.00001"),
		paper("2401.00002"),
		paper("2401.00003"),
		{ArxivID: ""},
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Failed, 1)

	n, err := store.CountPapers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
