package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 检查点状态。与编排器的 RunStatus 一一对应。
const (
	CheckpointRunning   = "running"
	CheckpointPaused    = "paused"
	CheckpointCompleted = "completed"
	CheckpointFailed    = "failed"
)

// SaveCheckpoint 追加一条检查点，Seq 自动取该 thread 的下一个序号。
func (s *Storage) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if cp.ThreadID == "" {
		return errors.New("checkpoint thread id is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&Checkpoint{}).
			Where("thread_id = ?", cp.ThreadID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("select checkpoint seq: %w", err)
		}
		cp.ID = 0
		cp.Seq = maxSeq + 1
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(cp).Error; err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// LoadLatestCheckpoint 返回 thread 的最新检查点；已过期的检查点视为不存在。
func (s *Storage) LoadLatestCheckpoint(ctx context.Context, threadID string, now time.Time) (*Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var cp Checkpoint
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("checkpoint", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !cp.ExpiresAt.IsZero() && !cp.ExpiresAt.After(now) {
		return nil, notFound("checkpoint", threadID)
	}
	return &cp, nil
}

// ListCheckpoints 按 Seq 升序返回 thread 的全部检查点（调试与测试用）。
func (s *Storage) ListCheckpoints(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []Checkpoint
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// ListStaleRunningThreads 返回最新检查点仍为 running 且早于 before 的 thread（用于崩溃恢复）。
func (s *Storage) ListStaleRunningThreads(ctx context.Context, before time.Time, limit int) ([]Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var out []Checkpoint
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND expires_at > ?", CheckpointRunning, before, time.Now().UTC()).
		Where("NOT EXISTS (SELECT 1 FROM checkpoints c2 WHERE c2.thread_id = checkpoints.thread_id AND c2.seq > checkpoints.seq)").
		Order("created_at ASC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list running threads: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteExpiredCheckpointsLimited(ctx context.Context, now time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}

	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&Checkpoint{}).
		Select("id").
		Where("expires_at <= ?", now).
		Order("id ASC").
		Limit(normalizeDeleteLimit(limit)).
		Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select checkpoint ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Checkpoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", res.Error)
	}
	return res.RowsAffected, nil
}
