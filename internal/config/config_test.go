package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/PaperAgent/internal/jobs"
	"github.com/wwwzy/PaperAgent/internal/quota"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "paperagent.db", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.Equal(t, 3, cfg.Agent.MaxRetrievalAttempts)
	assert.Equal(t, 75, cfg.Agent.GuardrailThreshold)
	assert.Equal(t, 180*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 60, cfg.Retrieval.RRFK)
	assert.Equal(t, 1200, cfg.Ingest.ChunkSize)
	assert.Equal(t, "free", cfg.Quota.DefaultTier)
	assert.Equal(t, quota.Unlimited, cfg.Quota.Tiers["admin"].DailyChat)
	assert.Equal(t, jobs.DefaultConfig().Ingest.PollInterval, cfg.Jobs.Ingest.PollInterval)

	assert.Error(t, cfg.RequireModel(), "ark credentials are only needed by model commands")
}

func TestLoad_ConfigFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
log_level: "debug"
ark:
  api_key: "file-key"
  model_id: "file-model"
storage:
  path: "test.db"
  busy_timeout: "10s"
agent:
  max_iterations: 3
  timeout: "90s"
quota:
  default_tier: "team"
  tiers:
    team:
      daily_chat: 200
      daily_ingest: 40
      models: ["doubao-pro"]
jobs:
  ingest:
    enabled: false
`)
	require.NoError(t, os.WriteFile(configFile, content, 0o644))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "test.db", cfg.Storage.Path)
	assert.Equal(t, 10*time.Second, cfg.Storage.BusyTimeout)
	assert.Equal(t, 3, cfg.Agent.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 200, cfg.Quota.Tiers["team"].DailyChat)
	assert.Equal(t, []string{"doubao-pro"}, cfg.Quota.Tiers["team"].Models)
	assert.False(t, cfg.Jobs.Ingest.Enabled)
	assert.NoError(t, cfg.RequireModel())

	// 未覆盖的字段保持默认值
	assert.Equal(t, 3, cfg.Agent.MaxRetrievalAttempts)
	assert.True(t, cfg.Jobs.Retention.Enabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PAPERAGENT_LOG_LEVEL", "warn")
	t.Setenv("PAPERAGENT_STORAGE_PATH", "env.db")
	t.Setenv("PAPERAGENT_AGENT_TIMEOUT", "2m")
	t.Setenv("PAPERAGENT_AGENT_GUARDRAIL_THRESHOLD", "60")
	t.Setenv("ARK_API_KEY", "test-key")
	t.Setenv("ARK_MODEL_ID", "test-model")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "env.db", cfg.Storage.Path)
	assert.Equal(t, 2*time.Minute, cfg.Agent.Timeout)
	assert.Equal(t, 60, cfg.Agent.GuardrailThreshold)
	assert.Equal(t, "test-key", cfg.Ark.APIKey)
	assert.Equal(t, "test-model", cfg.Ark.ModelID)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Agent.GuardrailThreshold = 120
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.LogLevel = "chatty"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Ingest.ChunkOverlap = bad.Ingest.ChunkSize
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Quota.DefaultTier = "gold"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Embedding.Provider = "openai"
	assert.Error(t, bad.Validate())
}
