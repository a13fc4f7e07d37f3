package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/ingest"
	"github.com/wwwzy/PaperAgent/internal/jobs"
	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/logging"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/server"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

type Config struct {
	LogLevel  string              `mapstructure:"log_level"`
	Storage   storage.Config      `mapstructure:"storage"`
	Ark       llm.ArkConfig       `mapstructure:"ark"`
	Embedding llm.EmbeddingConfig `mapstructure:"embedding"`
	LLMRetry  llm.RetryConfig     `mapstructure:"llm_retry"`
	Agent     agent.Config        `mapstructure:"agent"`
	Retrieval retrieval.Config    `mapstructure:"retrieval"`
	Ingest    ingest.Config       `mapstructure:"ingest"`
	Quota     quota.Config        `mapstructure:"quota"`
	Jobs      jobs.Config         `mapstructure:"jobs"`
	Scholar   scholar.Config      `mapstructure:"scholar"`
	Server    server.Config       `mapstructure:"server"`
}

// Load 按 默认值 < 配置文件 < 环境变量 的优先级加载配置。
//
// cfgFile 为空时在当前目录与 $HOME/.paperagent 下查找 config.yaml；找不到文件不算错误。
// 环境变量前缀为 PAPERAGENT_，层级用下划线连接，例如 PAPERAGENT_AGENT_TIMEOUT=90s。
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.paperagent")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PAPERAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只会填充 viper “知道”的 key，所以每个可配置项都要有默认值。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Storage.Path == "" && !c.Storage.InMemory {
		return errors.New("storage.path is required")
	}
	if c.Agent.GuardrailThreshold < 0 || c.Agent.GuardrailThreshold > 100 {
		return fmt.Errorf("agent.guardrail_threshold must be within [0, 100], got %d", c.Agent.GuardrailThreshold)
	}
	if c.Agent.MaxIterations <= 0 || c.Agent.MaxRetrievalAttempts <= 0 {
		return errors.New("agent.max_iterations and agent.max_retrieval_attempts must be positive")
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_size (%d)", c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	switch c.Embedding.ResolveProvider() {
	case llm.EmbeddingArk, llm.EmbeddingHash:
	default:
		return fmt.Errorf("embedding.provider %q is not supported (auto, ark, hash)", c.Embedding.Provider)
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.default_tier %q is not defined in quota.tiers", c.Quota.DefaultTier)
	}
	return nil
}

// RequireModel 校验需要调用模型的命令（chat / serve）所需的 Ark 配置。
func (c *Config) RequireModel() error {
	if c.Ark.APIKey == "" {
		return fmt.Errorf("ark.api_key is required (or set ARK_API_KEY env var)")
	}
	if c.Ark.ModelID == "" {
		return fmt.Errorf("ark.model_id is required (or set ARK_MODEL_ID env var)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)

	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.in_memory", d.Storage.InMemory)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", d.Storage.MaxIdleConns)
	v.SetDefault("storage.conn_max_lifetime", d.Storage.ConnMaxLifetime)

	// -------------------------------------------------------------------------
	// Ark 模型与调用重试
	// -------------------------------------------------------------------------
	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", d.Ark.BaseURL)
	_ = v.BindEnv("ark.api_key", "ARK_API_KEY")
	_ = v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	_ = v.BindEnv("ark.base_url", "ARK_BASE_URL")

	v.SetDefault("llm_retry.max_tries", d.LLMRetry.MaxTries)
	v.SetDefault("llm_retry.initial_interval", d.LLMRetry.InitialInterval)
	v.SetDefault("llm_retry.max_interval", d.LLMRetry.MaxInterval)

	// -------------------------------------------------------------------------
	// Agent 编排
	// -------------------------------------------------------------------------
	v.SetDefault("agent.max_iterations", d.Agent.MaxIterations)
	v.SetDefault("agent.max_retrieval_attempts", d.Agent.MaxRetrievalAttempts)
	v.SetDefault("agent.guardrail_threshold", d.Agent.GuardrailThreshold)
	v.SetDefault("agent.top_k", d.Agent.TopK)
	v.SetDefault("agent.timeout", d.Agent.Timeout)
	v.SetDefault("agent.checkpoint_ttl", d.Agent.CheckpointTTL)
	v.SetDefault("agent.max_tool_concurrency", d.Agent.MaxToolConcurrency)
	v.SetDefault("agent.history_turns", d.Agent.HistoryTurns)

	// -------------------------------------------------------------------------
	// 检索与入库
	// -------------------------------------------------------------------------
	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.rrf_k", d.Retrieval.RRFK)
	v.SetDefault("retrieval.candidate_multiplier", d.Retrieval.CandidateMultiplier)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model_id", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.hash_dim", d.Embedding.HashDim)
	_ = v.BindEnv("embedding.model_id", "ARK_EMBEDDING_MODEL_ID")

	v.SetDefault("ingest.chunk_size", d.Ingest.ChunkSize)
	v.SetDefault("ingest.chunk_overlap", d.Ingest.ChunkOverlap)
	v.SetDefault("ingest.embed_batch", d.Ingest.EmbedBatch)
	v.SetDefault("ingest.concurrency", d.Ingest.Concurrency)
	v.SetDefault("ingest.max_tries", d.Ingest.MaxTries)
	v.SetDefault("ingest.retry_interval", d.Ingest.RetryInterval)

	// -------------------------------------------------------------------------
	// 额度
	// -------------------------------------------------------------------------
	v.SetDefault("quota.default_tier", d.Quota.DefaultTier)
	tiers := make(map[string]any, len(d.Quota.Tiers))
	for name, t := range d.Quota.Tiers {
		tiers[name] = map[string]any{
			"daily_chat":   t.DailyChat,
			"daily_ingest": t.DailyIngest,
			"models":       t.Models,
		}
	}
	v.SetDefault("quota.tiers", tiers)

	// -------------------------------------------------------------------------
	// 后台任务
	// -------------------------------------------------------------------------
	v.SetDefault("jobs.ingest.enabled", d.Jobs.Ingest.Enabled)
	v.SetDefault("jobs.ingest.workers", d.Jobs.Ingest.Workers)
	v.SetDefault("jobs.ingest.poll_interval", d.Jobs.Ingest.PollInterval)
	v.SetDefault("jobs.ingest.max_attempts", d.Jobs.Ingest.MaxAttempts)
	v.SetDefault("jobs.ingest.stale_after", d.Jobs.Ingest.StaleAfter)

	v.SetDefault("jobs.retention.enabled", d.Jobs.Retention.Enabled)
	v.SetDefault("jobs.retention.interval", d.Jobs.Retention.Interval)
	v.SetDefault("jobs.retention.turn_retention", d.Jobs.Retention.TurnRetention)
	v.SetDefault("jobs.retention.audit_retention", d.Jobs.Retention.AuditRetention)
	v.SetDefault("jobs.retention.batch_rows", d.Jobs.Retention.BatchRows)
	v.SetDefault("jobs.retention.idle_sleep", d.Jobs.Retention.IdleSleep)
	v.SetDefault("jobs.retention.workers", d.Jobs.Retention.Workers)

	// -------------------------------------------------------------------------
	// 外部论文源
	// -------------------------------------------------------------------------
	v.SetDefault("scholar.arxiv_base_url", d.Scholar.ArxivBaseURL)
	v.SetDefault("scholar.semantic_scholar_base_url", d.Scholar.SemanticScholarBaseURL)
	v.SetDefault("scholar.semantic_scholar_api_key", "")
	v.SetDefault("scholar.arxiv_rps", d.Scholar.ArxivRPS)
	v.SetDefault("scholar.semantic_scholar_rps", d.Scholar.SemanticScholarRPS)
	v.SetDefault("scholar.http_timeout", d.Scholar.HTTPTimeout)
	v.SetDefault("scholar.max_tries", d.Scholar.MaxTries)

	// -------------------------------------------------------------------------
	// HTTP 服务
	// -------------------------------------------------------------------------
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.heartbeat", d.Server.Heartbeat)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.admins", d.Server.Admins)
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Storage: storage.Config{
			Path:        "paperagent.db",
			EnableWAL:   true,
			BusyTimeout: 5 * time.Second,
		},
		Ark: llm.ArkConfig{
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
		},
		LLMRetry:  llm.DefaultRetryConfig(),
		Agent:     agent.DefaultConfig(),
		Embedding: llm.DefaultEmbeddingConfig(),
		Retrieval: retrieval.DefaultConfig(),
		Ingest:    ingest.DefaultConfig(),
		Quota:     quota.DefaultConfig(),
		Jobs:      jobs.DefaultConfig(),
		Scholar:   scholar.DefaultConfig(),
		Server:    server.DefaultConfig(),
	}
}
