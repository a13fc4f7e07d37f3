package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

func seedCorpus(t *testing.T, embedder *llm.HashEmbedder) *storage.Storage {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, storage.Config{Path: filepath.Join(t.TempDir(), "corpus.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	papers := map[string][]string{
		"2401.00001": {
			"reciprocal rank fusion merges ranked lists from several retrievers",
			"bm25 is a classic lexical ranking function",
		},
		"2401.00002": {
			"convolutional networks for image classification",
			"dense retrievers embed queries and passages into a shared space",
		},
	}
	for id, contents := range papers {
		vecs, err := embedder.EmbedStrings(ctx, contents)
		require.NoError(t, err)
		chunks := make([]storage.Chunk, 0, len(contents))
		for i, c := range contents {
			v := llm.ToFloat32(vecs[i])
			chunks = append(chunks, storage.Chunk{Ordinal: i, Content: c, Embedding: storage.EncodeEmbedding(v), EmbeddingDim: len(v)})
		}
		created, err := s.InsertPaperWithChunks(ctx, &storage.Paper{ArxivID: id, Title: "paper " + id, Published: time.Now()}, chunks)
		require.NoError(t, err)
		require.True(t, created)
	}
	return s
}

func TestHybridSearch(t *testing.T) {
	embedder := llm.NewHashEmbedder(128)
	s := seedCorpus(t, embedder)
	h := NewHybridSearcher(s, embedder, Config{TopK: 2}, nil)

	got, err := h.Search(context.Background(), "rank fusion of ranked lists", 0)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.LessOrEqual(t, len(got), 2)

	top := got[0]
	assert.Equal(t, "2401.00001", top.ArxivID)
	assert.Contains(t, top.Content, "reciprocal rank fusion")
	require.NotNil(t, top.VectorScore)
	require.NotNil(t, top.TextScore)
	assert.Equal(t, 1, top.TextRank)
	assert.Greater(t, top.Score, 0.0)
}

func TestHybridSearchEmptyQuery(t *testing.T) {
	h := NewHybridSearcher(nil, nil, DefaultConfig(), nil)
	_, err := h.Search(context.Background(), "   ", 3)
	assert.Error(t, err)
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedStrings(context.Context, []string, ...embedding.Option) ([][]float64, error) {
	return nil, errors.New("embedding service down")
}

func TestHybridSearchDegradesToFullText(t *testing.T) {
	s := seedCorpus(t, llm.NewHashEmbedder(128))
	h := NewHybridSearcher(s, failingEmbedder{}, DefaultConfig(), nil)

	got, err := h.Search(context.Background(), "bm25 lexical ranking", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Nil(t, got[0].VectorScore)
	assert.NotNil(t, got[0].TextScore)
}
