// Package ingest 负责把外部论文写入共享语料库：抽取文本、切块、向量化、入库。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

type Config struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
	// EmbedBatch 为单次 EmbedStrings 的最大文本数。
	EmbedBatch int `mapstructure:"embed_batch"`
	// Concurrency 为 IngestBatch 同时处理的论文数。
	Concurrency   int           `mapstructure:"concurrency"`
	MaxTries      uint          `mapstructure:"max_tries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:     1200,
		ChunkOverlap:  200,
		EmbedBatch:    32,
		Concurrency:   2,
		MaxTries:      3,
		RetryInterval: time.Second,
	}
}

// Store 为流水线需要的语料库写接口，由 storage.Storage 实现。
type Store interface {
	InsertPaperWithChunks(ctx context.Context, paper *storage.Paper, chunks []storage.Chunk) (bool, error)
	ExistingArxivIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// TextExtractor 提供论文正文。PDF 解析属于外部能力，通过这个接口注入。
type TextExtractor interface {
	Extract(ctx context.Context, paper scholar.Paper) (string, error)
}

// AbstractExtractor 只使用标题与摘要作为正文。
type AbstractExtractor struct{}

func (AbstractExtractor) Extract(_ context.Context, p scholar.Paper) (string, error) {
	return strings.TrimSpace(p.Title + "\n\n" + p.Abstract), nil
}

// FailedPaper 记录批量入库中失败的单篇论文。
type FailedPaper struct {
	ArxivID string `json:"arxiv_id"`
	Error   string `json:"error"`
}

// BatchResult 为一次批量入库的汇总。Processed 只统计本次新写入的论文。
type BatchResult struct {
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    []FailedPaper `json:"failed,omitempty"`
}

type Pipeline struct {
	store     Store
	embedder  embedding.Embedder
	extractor TextExtractor
	splitter  *Splitter
	cfg       Config
	logger    *zap.Logger
}

type Option func(*Pipeline)

func WithExtractor(e TextExtractor) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.extractor = e
		}
	}
}

func NewPipeline(store Store, embedder embedding.Embedder, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = def.EmbedBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: AbstractExtractor{},
		splitter:  NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestPaper 入库一篇论文。论文已在语料库中时直接返回 false（幂等）。
// 向量化与写库整体按指数退避重试，最多 MaxTries 次。
func (p *Pipeline) IngestPaper(ctx context.Context, paper scholar.Paper, userID string) (bool, error) {
	id := scholar.NormalizeArxivID(paper.ArxivID)
	if id == "" {
		return false, errors.New("paper arxiv id is required")
	}
	existing, err := p.store.ExistingArxivIDs(ctx, []string{id})
	if err != nil {
		return false, fmt.Errorf("check existing paper: %w", err)
	}
	if existing[id] {
		return false, nil
	}

	text, err := p.extractor.Extract(ctx, paper)
	if err != nil {
		return false, fmt.Errorf("extract text for %s: %w", id, err)
	}
	pieces := p.splitter.Split(text)
	if len(pieces) == 0 {
		return false, fmt.Errorf("paper %s has no text", id)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInterval
	return backoff.Retry(ctx, func() (bool, error) {
		vectors, err := p.embed(ctx, pieces)
		if err != nil {
			if ctx.Err() != nil {
				return false, backoff.Permanent(err)
			}
			return false, err
		}
		chunks := make([]storage.Chunk, len(pieces))
		for i, content := range pieces {
			chunks[i] = storage.Chunk{
				Ordinal:      i,
				Content:      content,
				Embedding:    storage.EncodeEmbedding(vectors[i]),
				EmbeddingDim: len(vectors[i]),
			}
		}
		row := &storage.Paper{
			ArxivID:    id,
			Title:      paper.Title,
			Authors:    strings.Join(paper.Authors, ", "),
			Abstract:   paper.Abstract,
			Category:   paper.Category,
			PDFURL:     paper.PDFURL,
			Published:  paper.Published,
			IngestedBy: userID,
		}
		return p.store.InsertPaperWithChunks(ctx, row, chunks)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger.Warn("ingest paper failed, retrying",
				zap.String("arxiv_id", id),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
}

// IngestBatch 以有限并发入库一批论文。单篇失败不影响其他论文，只有 ctx 取消才返回错误。
func (p *Pipeline) IngestBatch(ctx context.Context, papers []scholar.Paper, userID string) (BatchResult, error) {
	var (
		mu  sync.Mutex
		out BatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, paper := range papers {
		g.Go(func() error {
			created, err := p.IngestPaper(gctx, paper, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				p.logger.Warn("ingest paper failed", zap.String("arxiv_id", paper.ArxivID), zap.Error(err))
				out.Failed = append(out.Failed, FailedPaper{ArxivID: paper.ArxivID, Error: err.Error()})
			case created:
				out.Processed++
			default:
				out.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, err
	}
	p.logger.Info("ingest batch finished",
		zap.String("user_id", userID),
		zap.Int("processed", out.Processed),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", len(out.Failed)))
	return out, nil
}

func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.EmbedBatch {
		end := min(start+p.cfg.EmbedBatch, len(texts))
		vectors, err := p.embedder.EmbedStrings(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), end-start)
		}
		for _, v := range vectors {
			out = append(out, llm.ToFloat32(v))
		}
	}
	return out, nil
}
