package llm

import (
	"context"
	"fmt"
	"strings"

	arkembed "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino/components/embedding"
)

// 向量模型供应商。
const (
	EmbeddingAuto = "auto"
	EmbeddingArk  = "ark"
	EmbeddingHash = "hash"
)

// EmbeddingConfig 选择检索与入库使用的向量模型。
//
// provider=auto 时配置了 model_id 就用方舟向量模型，否则退回本地 HashEmbedder。
// 切换模型后旧块的向量维度不同，向量检索会忽略它们，需要重新入库。
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	ModelID  string `mapstructure:"model_id"`
	// APIKey / BaseURL 为空时沿用 ark.* 的配置。
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	// HashDim 为 HashEmbedder 的维度。
	HashDim int `mapstructure:"hash_dim"`
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{Provider: EmbeddingAuto, HashDim: 256}
}

// ResolveProvider 返回实际生效的供应商。
func (c EmbeddingConfig) ResolveProvider() string {
	p := strings.ToLower(strings.TrimSpace(c.Provider))
	if p == "" || p == EmbeddingAuto {
		if c.ModelID != "" {
			return EmbeddingArk
		}
		return EmbeddingHash
	}
	return p
}

// NewEmbedder 按配置构建 eino embedding.Embedder。chat 为聊天模型的方舟配置，用于补全凭据。
func NewEmbedder(ctx context.Context, cfg EmbeddingConfig, chat ArkConfig) (embedding.Embedder, error) {
	switch cfg.ResolveProvider() {
	case EmbeddingHash:
		return NewHashEmbedder(cfg.HashDim), nil
	case EmbeddingArk:
		apiKey, baseURL := cfg.APIKey, cfg.BaseURL
		if apiKey == "" {
			apiKey = chat.APIKey
		}
		if baseURL == "" {
			baseURL = chat.BaseURL
		}
		if apiKey == "" || cfg.ModelID == "" {
			return nil, fmt.Errorf("embedding.model_id and an ark api key must be set for the ark embedder")
		}
		emb, err := arkembed.NewEmbedder(ctx, &arkembed.EmbeddingConfig{
			APIKey:  apiKey,
			Model:   cfg.ModelID,
			BaseURL: baseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init ark embedder: %w", err)
		}
		return emb, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (supported: auto, ark, hash)", cfg.Provider)
	}
}
