package ui

import (
	"context"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/chat"
)

// ChatBackend 由 chat.Service 实现。
type ChatBackend interface {
	Handle(ctx context.Context, userID string, req chat.Request, emit agent.Emitter) (*agent.Result, error)
}

type ChatUI interface {
	Run(ctx context.Context, backend ChatBackend, opts ChatOptions) error
}

type ChatOptions struct {
	UserID    string
	SessionID string
	// ShowSteps 打印节点与工具事件。
	ShowSteps bool
	// Markdown 为 true 时用 glamour 渲染回答。
	Markdown bool
}
