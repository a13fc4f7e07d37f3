// Package conversation 负责多轮对话记忆：读取 session 最近几轮作为上下文，并在执行终止后持久化本轮记录。
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

// DefaultTurns 为默认带入上下文的轮数。
const DefaultTurns = 6

const titleLimit = 80

type Store interface {
	EnsureConversation(ctx context.Context, sessionID string, userID string, title string) (*storage.Conversation, error)
	AppendTurn(ctx context.Context, turn *storage.ConversationTurn) error
	ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]storage.ConversationTurn, error)
}

type Manager struct {
	store  Store
	turns  int
	logger *zap.Logger
}

func NewManager(store Store, turns int, logger *zap.Logger) *Manager {
	if turns <= 0 {
		turns = DefaultTurns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, turns: turns, logger: logger}
}

// History 返回 session 最近几轮成功完成的问答，按时间顺序排列为 user/assistant 消息对。
//
// 失败、取消或超时的轮次没有可信的回答，不进入上下文。
func (m *Manager) History(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	turns, err := m.store.ListRecentTurns(ctx, sessionID, m.turns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := make([]*schema.Message, 0, len(turns)*2)
	for _, t := range turns {
		if t.Status != string(agent.StatusCompleted) || t.Answer == "" {
			continue
		}
		msgs = append(msgs, schema.UserMessage(t.UserQuery), schema.AssistantMessage(t.Answer, nil))
	}
	return msgs, nil
}

// Record 在执行终止后写入一轮对话记录；挂起中的执行不写入。
func (m *Manager) Record(ctx context.Context, userID string, res *agent.Result) error {
	if !res.Terminal() {
		return nil
	}
	conv, err := m.store.EnsureConversation(ctx, res.SessionID, userID, title(res.OriginalQuery))
	if err != nil {
		return err
	}

	turn := &storage.ConversationTurn{
		ConversationID:    conv.ID,
		SessionID:         res.SessionID,
		ThreadID:          res.ThreadID,
		UserQuery:         res.OriginalQuery,
		Answer:            res.Answer,
		Status:            string(res.Status),
		ScopeScore:        res.ScopeScore,
		RetrievalAttempts: res.RetrievalAttempts,
	}
	if turn.SourcesJSON, err = encode(res.Sources); err != nil {
		return err
	}
	if turn.ReasoningJSON, err = encode(res.ReasoningTrace); err != nil {
		return err
	}
	if res.Confirmation != nil {
		if turn.PendingConfirmationJSON, err = encode(res.Confirmation); err != nil {
			return err
		}
	}

	if err := m.store.AppendTurn(ctx, turn); err != nil {
		return err
	}
	m.logger.Debug("turn recorded",
		zap.String("session_id", res.SessionID),
		zap.String("thread_id", res.ThreadID),
		zap.String("status", string(res.Status)))
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode turn field: %w", err)
	}
	return string(b), nil
}

func title(query string) string {
	if utf8.RuneCountInString(query) <= titleLimit {
		return query
	}
	return string([]rune(query)[:titleLimit]) + "..."
}
