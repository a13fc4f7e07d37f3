package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureConversation 返回 session 对应的会话，不存在则创建。
//
// session 一旦绑定到某个用户就不会再改变；其他用户使用同一 sessionID 会得到错误。
func (s *Storage) EnsureConversation(ctx context.Context, sessionID string, userID string, title string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	conv := Conversation{SessionID: sessionID, UserID: userID, Title: title}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoNothing: true,
	}).Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	var out Conversation
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&out).Error; err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if out.UserID != userID {
		return nil, fmt.Errorf("session %s belongs to another user", sessionID)
	}
	return &out, nil
}

func (s *Storage) GetConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out Conversation
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("conversation", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &out, nil
}

func (s *Storage) AppendTurn(ctx context.Context, turn *ConversationTurn) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if turn == nil {
		return errors.New("turn is nil")
	}
	if turn.ConversationID == 0 {
		return errors.New("turn conversation id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", turn.ConversationID).
		Update("updated_at", turn.CreatedAt).Error
}

// ListRecentTurns 返回 session 最近 limit 轮对话，按时间升序（最早的在前）。
func (s *Storage) ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []ConversationTurn
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").Order("id DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Storage) DeleteTurnsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}

	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&ConversationTurn{}).
		Select("id").
		Where("created_at < ?", before).
		Order("id ASC").
		Limit(normalizeDeleteLimit(limit)).
		Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select turn ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&ConversationTurn{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete turns: %w", res.Error)
	}
	return res.RowsAffected, nil
}
