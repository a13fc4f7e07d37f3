package agent

import "time"

type Config struct {
	MaxIterations        int `mapstructure:"max_iterations"`
	MaxRetrievalAttempts int `mapstructure:"max_retrieval_attempts"`
	// GuardrailThreshold 为范围评分阈值，低于它的请求一律按 out_of_scope 处理。
	GuardrailThreshold int `mapstructure:"guardrail_threshold"`
	TopK               int `mapstructure:"top_k"`
	// Timeout 为单次执行（Run 或 Resume）的墙钟预算。
	Timeout            time.Duration `mapstructure:"timeout"`
	CheckpointTTL      time.Duration `mapstructure:"checkpoint_ttl"`
	MaxToolConcurrency int           `mapstructure:"max_tool_concurrency"`
	// HistoryTurns 为送入提示词的历史轮数。
	HistoryTurns int `mapstructure:"history_turns"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:        5,
		MaxRetrievalAttempts: 3,
		GuardrailThreshold:   75,
		TopK:                 3,
		Timeout:              180 * time.Second,
		CheckpointTTL:        72 * time.Hour,
		MaxToolConcurrency:   4,
		HistoryTurns:         6,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.MaxRetrievalAttempts <= 0 {
		c.MaxRetrievalAttempts = def.MaxRetrievalAttempts
	}
	if c.GuardrailThreshold <= 0 {
		c.GuardrailThreshold = def.GuardrailThreshold
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.CheckpointTTL <= 0 {
		c.CheckpointTTL = def.CheckpointTTL
	}
	if c.MaxToolConcurrency <= 0 {
		c.MaxToolConcurrency = def.MaxToolConcurrency
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = def.HistoryTurns
	}
	return c
}
