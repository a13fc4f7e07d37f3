package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IncrementUsage 原子地把 (user, kind, day) 计数加 delta，不存在则创建为 delta；返回递增后的值。
//
// 依赖唯一索引 + ON CONFLICT DO UPDATE，避免并发“先读后写”导致的丢失更新或重复行。
func (s *Storage) IncrementUsage(ctx context.Context, userID string, kind string, day string, delta int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if userID == "" || kind == "" || day == "" {
		return 0, errors.New("usage key is incomplete")
	}
	if delta <= 0 {
		delta = 1
	}

	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := UsageCounter{UserID: userID, Kind: kind, Day: day, Count: delta, UpdatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "kind"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("count + ?", delta),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		return tx.Model(&UsageCounter{}).
			Where("user_id = ? AND kind = ? AND day = ?", userID, kind, day).
			Select("count").
			Scan(&count).Error
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ReserveUsage 仅当 count+delta <= limit 时才加 delta，整个判断由一条条件 UPDATE 完成。
// 返回最新计数以及是否预留成功。
func (s *Storage) ReserveUsage(ctx context.Context, userID string, kind string, day string, delta int, limit int) (int, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, errNotInitialized
	}
	if userID == "" || kind == "" || day == "" {
		return 0, false, errors.New("usage key is incomplete")
	}
	if delta <= 0 {
		delta = 1
	}

	var (
		count    int
		reserved bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := UsageCounter{UserID: userID, Kind: kind, Day: day, Count: 0, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("reserve usage: %w", err)
		}
		res := tx.Model(&UsageCounter{}).
			Where("user_id = ? AND kind = ? AND day = ? AND count + ? <= ?", userID, kind, day, delta, limit).
			Updates(map[string]interface{}{
				"count":      gorm.Expr("count + ?", delta),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("reserve usage: %w", res.Error)
		}
		reserved = res.RowsAffected == 1
		return tx.Model(&UsageCounter{}).
			Where("user_id = ? AND kind = ? AND day = ?", userID, kind, day).
			Select("count").
			Scan(&count).Error
	})
	if err != nil {
		return 0, false, err
	}
	return count, reserved, nil
}

// GetUsage 返回当天计数；没有记录时为 0。
func (s *Storage) GetUsage(ctx context.Context, userID string, kind string, day string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var counter UsageCounter
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND day = ?", userID, kind, day).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return counter.Count, nil
}

func (s *Storage) GetUser(ctx context.Context, userID string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("user", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Storage) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier"}),
	}).Create(&u).Error; err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
