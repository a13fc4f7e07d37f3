// Package llm 提供聊天模型与向量模型的构建，以及调用层面的重试与结构化输出解析。
//
// 上层节点只依赖 eino 的 model.BaseChatModel / embedding.Embedder 能力接口，
// 具体供应商（这里是火山方舟 Ark）只在此处出现。
package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
)

type ArkConfig struct {
	APIKey  string `mapstructure:"api_key"`
	ModelID string `mapstructure:"model_id"`
	BaseURL string `mapstructure:"base_url"`
}

// NewChatModel 初始化 Ark ChatModel
func NewChatModel(ctx context.Context, cfg ArkConfig) (*ark.ChatModel, error) {
	if cfg.APIKey == "" || cfg.ModelID == "" {
		return nil, fmt.Errorf("ARK_API_KEY, ARK_MODEL_ID must be set")
	}

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.ModelID,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init ark chat model: %w", err)
	}
	return chatModel, nil
}
