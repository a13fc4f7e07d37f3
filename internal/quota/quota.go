// Package quota 实现按用户等级（tier）的每日额度：聊天次数与论文入库数量。
package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/storage"
)

type Kind string

const (
	KindChat   Kind = "chat"
	KindIngest Kind = "ingest"
)

// Unlimited 作为额度值表示不限制。
const Unlimited = -1

type Tier struct {
	DailyChat   int      `mapstructure:"daily_chat"`
	DailyIngest int      `mapstructure:"daily_ingest"`
	Models      []string `mapstructure:"models"`
}

type Config struct {
	DefaultTier string          `mapstructure:"default_tier"`
	Tiers       map[string]Tier `mapstructure:"tiers"`
}

func DefaultConfig() Config {
	return Config{
		DefaultTier: "free",
		Tiers: map[string]Tier{
			"free":  {DailyChat: 50, DailyIngest: 10},
			"pro":   {DailyChat: 500, DailyIngest: 100},
			"admin": {DailyChat: Unlimited, DailyIngest: Unlimited},
		},
	}
}

// ExceededError 表示额度不足。Remaining 为当天剩余额度，用于给用户明确的提示。
type ExceededError struct {
	Kind      Kind
	Requested int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded: requested %d, only %d remaining today", e.Kind, e.Requested, e.Remaining)
}

// IsExceeded 判断 err 是否为额度不足。
func IsExceeded(err error) bool {
	var qe *ExceededError
	return errors.As(err, &qe)
}

type Store interface {
	GetUsage(ctx context.Context, userID string, kind string, day string) (int, error)
	IncrementUsage(ctx context.Context, userID string, kind string, day string, delta int) (int, error)
	ReserveUsage(ctx context.Context, userID string, kind string, day string, delta int, limit int) (int, bool, error)
	GetUser(ctx context.Context, userID string) (*storage.User, error)
}

type Service struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = DefaultConfig().DefaultTier
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultConfig().Tiers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cfg: cfg, now: time.Now, logger: logger}
}

// WithClock 替换时钟（测试用），返回自身便于链式调用。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) day() string {
	return s.now().UTC().Format("2006-01-02")
}

// GetTodayCount 返回用户当天已用次数。
func (s *Service) GetTodayCount(ctx context.Context, userID string, kind Kind) (int, error) {
	return s.store.GetUsage(ctx, userID, string(kind), s.day())
}

// Increment 原子地把当天用量加 n（n<=0 视为 1），返回新的用量。
func (s *Service) Increment(ctx context.Context, userID string, kind Kind, n int) (int, error) {
	count, err := s.store.IncrementUsage(ctx, userID, string(kind), s.day(), n)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("usage incremented",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.Int("count", count))
	return count, nil
}

// TierOf 返回用户所属等级；未登记的用户使用默认等级。
func (s *Service) TierOf(ctx context.Context, userID string) (string, Tier, error) {
	name := s.cfg.DefaultTier
	u, err := s.store.GetUser(ctx, userID)
	switch {
	case err == nil && u.Tier != "":
		name = u.Tier
	case err != nil && !storage.IsNotFound(err):
		return "", Tier{}, err
	}
	tier, ok := s.cfg.Tiers[name]
	if !ok {
		tier = s.cfg.Tiers[s.cfg.DefaultTier]
	}
	return name, tier, nil
}

func (s *Service) limit(ctx context.Context, userID string, kind Kind) (int, error) {
	_, tier, err := s.TierOf(ctx, userID)
	if err != nil {
		return 0, err
	}
	if kind == KindIngest {
		return tier.DailyIngest, nil
	}
	return tier.DailyChat, nil
}

// Remaining 返回当天剩余额度；Unlimited 表示不限。
func (s *Service) Remaining(ctx context.Context, userID string, kind Kind) (int, error) {
	limit, err := s.limit(ctx, userID, kind)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return Unlimited, nil
	}
	used, err := s.GetTodayCount(ctx, userID, kind)
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

// Check 在执行有副作用的操作之前检查额度是否足够 n 次；不足时返回 *ExceededError。
func (s *Service) Check(ctx context.Context, userID string, kind Kind, n int) error {
	remaining, err := s.Remaining(ctx, userID, kind)
	if err != nil {
		return err
	}
	if remaining == Unlimited || n <= remaining {
		return nil
	}
	return &ExceededError{Kind: kind, Requested: n, Remaining: remaining}
}

// Reserve 原子地检查并占用 n 次额度。并发请求不会越过上限；不足时返回 *ExceededError 且不计数。
func (s *Service) Reserve(ctx context.Context, userID string, kind Kind, n int) error {
	if n <= 0 {
		n = 1
	}
	limit, err := s.limit(ctx, userID, kind)
	if err != nil {
		return err
	}
	if limit < 0 {
		_, err := s.Increment(ctx, userID, kind, n)
		return err
	}
	count, ok, err := s.store.ReserveUsage(ctx, userID, string(kind), s.day(), n, limit)
	if err != nil {
		return err
	}
	if !ok {
		return &ExceededError{Kind: kind, Requested: n, Remaining: max(limit-count, 0)}
	}
	s.logger.Debug("usage reserved",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.Int("count", count))
	return nil
}

// AllowModel 判断用户等级是否有权使用指定模型；等级未配置模型列表时不限制。
func (s *Service) AllowModel(ctx context.Context, userID string, model string) (bool, error) {
	_, tier, err := s.TierOf(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(tier.Models) == 0 {
		return true, nil
	}
	return slices.Contains(tier.Models, model), nil
}
