package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

type Config struct {
	// TopK 为融合后返回的条数。
	TopK int `mapstructure:"top_k"`
	// RRFK 为 RRF 公式中的常数 k。
	RRFK int `mapstructure:"rrf_k"`
	// CandidateMultiplier 决定每一路召回 TopK*CandidateMultiplier 个候选再融合。
	CandidateMultiplier int `mapstructure:"candidate_multiplier"`
}

func DefaultConfig() Config {
	return Config{
		TopK:                3,
		RRFK:                60,
		CandidateMultiplier: 4,
	}
}

// Store 是混合检索依赖的语料库读接口，由 storage.Storage 实现。
type Store interface {
	VectorSearch(ctx context.Context, query []float32, limit int) ([]storage.ScoredChunk, error)
	FullTextSearch(ctx context.Context, query string, limit int) ([]storage.ScoredChunk, error)
	GetChunks(ctx context.Context, ids []uint64) ([]storage.ChunkView, error)
}

// Result 为一条检索证据：块内容、出处与各路分数。
type Result struct {
	ChunkID   uint64  `json:"chunk_id"`
	PaperID   uint64  `json:"paper_id"`
	ArxivID   string  `json:"arxiv_id"`
	Title     string  `json:"title"`
	Authors   string  `json:"authors,omitempty"`
	Ordinal   int     `json:"ordinal"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	// VectorScore/TextScore 为原始分数；某一路没有命中时为 nil。
	VectorScore *float64 `json:"vector_score,omitempty"`
	TextScore   *float64 `json:"text_score,omitempty"`
	VectorRank  int      `json:"vector_rank,omitempty"`
	TextRank    int      `json:"text_rank,omitempty"`
}

type HybridSearcher struct {
	store    Store
	embedder embedding.Embedder
	cfg      Config
	logger   *zap.Logger
}

func NewHybridSearcher(store Store, embedder embedding.Embedder, cfg Config, logger *zap.Logger) *HybridSearcher {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = def.CandidateMultiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridSearcher{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// Search 并行执行向量检索与全文检索，RRF 融合后回表取内容。topK<=0 时使用配置值。
//
// 任意一路失败只记录警告并按另一路的结果继续；两路都失败才返回错误。
func (h *HybridSearcher) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is empty")
	}
	if topK <= 0 {
		topK = h.cfg.TopK
	}
	candidates := topK * h.cfg.CandidateMultiplier

	var (
		vecHits, textHits []storage.ScoredChunk
		vecErr, textErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecHits, vecErr = h.vectorSearch(gctx, query, candidates)
		return nil
	})
	g.Go(func() error {
		textHits, textErr = h.store.FullTextSearch(gctx, query, candidates)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if vecErr != nil && textErr != nil {
		return nil, fmt.Errorf("hybrid search: vector: %v; fulltext: %w", vecErr, textErr)
	}
	if vecErr != nil {
		h.logger.Warn("vector search failed", zap.Error(vecErr))
	}
	if textErr != nil {
		h.logger.Warn("full text search failed", zap.Error(textErr))
	}

	fused := Fuse(h.cfg.RRFK, topK,
		RankedList{Method: MethodVector, Hits: toHits(vecHits)},
		RankedList{Method: MethodText, Hits: toHits(textHits)},
	)
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]uint64, 0, len(fused))
	for _, f := range fused {
		ids = append(ids, f.ID)
	}
	views, err := h.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint64]storage.ChunkView, len(views))
	for _, v := range views {
		byID[v.ChunkID] = v
	}

	out := make([]Result, 0, len(fused))
	for _, f := range fused {
		v, ok := byID[f.ID]
		if !ok {
			continue
		}
		r := Result{
			ChunkID: v.ChunkID,
			PaperID: v.PaperID,
			ArxivID: v.ArxivID,
			Title:   v.Title,
			Authors: v.Authors,
			Ordinal: v.Ordinal,
			Content: v.Content,
			Score:   f.Score,
		}
		if s, ok := f.MethodScores[MethodVector]; ok {
			r.VectorScore = &s
			r.VectorRank = f.MethodRanks[MethodVector]
		}
		if s, ok := f.MethodScores[MethodText]; ok {
			r.TextScore = &s
			r.TextRank = f.MethodRanks[MethodText]
		}
		out = append(out, r)
	}
	return out, nil
}

func (h *HybridSearcher) vectorSearch(ctx context.Context, query string, limit int) ([]storage.ScoredChunk, error) {
	if h.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	vecs, err := h.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	return h.store.VectorSearch(ctx, llm.ToFloat32(vecs[0]), limit)
}

func toHits(in []storage.ScoredChunk) []Hit {
	out := make([]Hit, 0, len(in))
	for _, c := range in {
		out = append(out, Hit{ID: c.ChunkID, Score: c.Score})
	}
	return out
}
