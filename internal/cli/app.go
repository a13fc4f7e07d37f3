package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/chat"
	"github.com/wwwzy/PaperAgent/internal/config"
	"github.com/wwwzy/PaperAgent/internal/conversation"
	"github.com/wwwzy/PaperAgent/internal/ingest"
	"github.com/wwwzy/PaperAgent/internal/jobs"
	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/metrics"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

// app 持有一次命令运行所需的全部组件。各命令按需取用，统一由 Close 释放。
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *storage.Storage
	metrics *metrics.Metrics
	quota   *quota.Service

	arxiv    *scholar.ArxivClient
	semantic *scholar.SemanticScholarClient
	searcher *retrieval.HybridSearcher
	pipeline *ingest.Pipeline

	// 以下组件仅在 withModel 时构建。
	model  model.BaseChatModel
	tools  *tools.Registry
	runner *agent.Runner
	memory *conversation.Manager
	chat   *chat.Service
}

// openApp 打开存储并装配组件。withModel 为 false 时不连接模型，
// 注册表中也不包含依赖模型的 summarize_paper。
func openApp(ctx context.Context, withModel bool) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if withModel {
		if err := cfg.RequireModel(); err != nil {
			return nil, err
		}
	}

	storeCfg := cfg.Storage
	if storeCfg.Logger == nil {
		storeCfg.Logger = storage.NewGormLogger(logger.Named("gorm"))
	}
	store, err := storage.Open(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.New(),
	}
	a.quota = quota.NewService(store, cfg.Quota, logger.Named("quota"))

	httpClient := &http.Client{Timeout: cfg.Scholar.HTTPTimeout}
	a.arxiv = scholar.NewArxivClient(cfg.Scholar, httpClient)
	a.semantic = scholar.NewSemanticScholarClient(cfg.Scholar, httpClient)

	embedder, err := llm.NewEmbedder(ctx, cfg.Embedding, cfg.Ark)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("创建向量模型失败: %w", err)
	}
	if cfg.Embedding.ResolveProvider() == llm.EmbeddingHash {
		logger.Warn("using local hash embedder; set embedding.model_id for semantic vector search")
	}
	a.searcher = retrieval.NewHybridSearcher(store, embedder, cfg.Retrieval, logger.Named("retrieval"))
	a.pipeline = ingest.NewPipeline(store, embedder, cfg.Ingest, logger.Named("ingest"))

	if withModel {
		chatModel, err := llm.NewChatModel(ctx, cfg.Ark)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("创建模型失败: %w", err)
		}
		a.model = llm.NewRetryingModel(chatModel, cfg.LLMRetry, logger.Named("llm"))
	}

	a.tools, err = a.newRegistry()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if withModel {
		a.runner, err = agent.NewRunner(ctx, agent.Deps{
			Model:       a.model,
			Tools:       a.tools,
			Checkpoints: store,
			Ingestor:    a.pipeline,
			Usage:       a.quota,
			Metrics:     a.metrics,
			Logger:      logger.Named("agent"),
		}, cfg.Agent)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("创建编排器失败: %w", err)
		}
		a.memory = conversation.NewManager(store, cfg.Agent.HistoryTurns, logger.Named("conversation"))
		a.chat = chat.NewService(a.runner, chat.Options{
			Quota:   a.quota,
			Memory:  a.memory,
			Metrics: a.metrics,
			Logger:  logger.Named("chat"),
		})
	}
	return a, nil
}

func (a *app) newRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry(
		tools.WithAuditor(tools.NewAuditor(a.store, a.logger.Named("audit"))),
		tools.WithLogger(a.logger.Named("tools")),
	)
	ts := []tools.Tool{
		&tools.RetrieveChunksTool{Searcher: a.searcher, TopK: a.cfg.Agent.TopK},
		&tools.ArxivSearchTool{Source: a.arxiv, Corpus: a.store},
		&tools.ListPapersTool{Corpus: a.store},
		&tools.ExploreCitationsTool{Source: a.semantic},
		&tools.IngestPapersTool{Source: a.arxiv, Corpus: a.store, Quota: a.quota},
	}
	if a.model != nil {
		ts = append(ts, &tools.SummarizePaperTool{Corpus: a.store, Model: a.model})
	}
	if err := reg.Register(ts...); err != nil {
		return nil, fmt.Errorf("注册工具失败: %w", err)
	}
	return reg, nil
}

// newJobs 构建后台任务管理器：入库队列 worker 与数据保留清理。
func (a *app) newJobs(hooks jobs.Hooks) (*jobs.Manager, *jobs.IngestWorkers, error) {
	jobsCfg := a.cfg.Jobs
	jobsCfg.Hooks = hooks
	mgr, err := jobs.NewManager(jobsCfg, a.logger.Named("jobs"))
	if err != nil {
		return nil, nil, fmt.Errorf("创建任务管理器失败: %w", err)
	}

	workers, err := jobs.NewIngestWorkers(a.store, a.arxiv, a.pipeline, a.logger.Named("jobs.ingest"))
	if err != nil {
		return nil, nil, fmt.Errorf("创建入库 worker 失败: %w", err)
	}
	workers.WithUsage(a.quota).WithMetrics(a.metrics)

	retention, err := jobs.NewRetentionCollector(a.store, a.logger.Named("jobs.retention"))
	if err != nil {
		return nil, nil, fmt.Errorf("创建 retention 采集器失败: %w", err)
	}

	// 流式接口挂载采集器
	mgr.WithIngest(workers).WithRetention(retention)
	return mgr, workers, nil
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	return a.store.Close()
}
