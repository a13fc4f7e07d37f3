package tools

import (
	"context"

	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

// 工具通过这些能力接口注入依赖，而不是自己构造客户端。

type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.Result, error)
}

type Corpus interface {
	ListPapers(ctx context.Context, q storage.PaperQuery) ([]storage.Paper, int64, error)
	GetPaperByArxivID(ctx context.Context, arxivID string) (*storage.Paper, error)
	ListChunksByPaper(ctx context.Context, paperID uint64, limit int) ([]storage.Chunk, error)
	ExistingArxivIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

type PaperSource interface {
	Search(ctx context.Context, query string, maxResults int) ([]scholar.Paper, error)
	Lookup(ctx context.Context, ids []string) ([]scholar.Paper, error)
}

type CitationSource interface {
	Citations(ctx context.Context, arxivID string, direction string, limit int) ([]scholar.Paper, error)
}

type QuotaChecker interface {
	Remaining(ctx context.Context, userID string, kind quota.Kind) (int, error)
}
