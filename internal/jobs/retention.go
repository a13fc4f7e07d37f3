package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type RetentionStore interface {
	DeleteTurnsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
	DeleteExpiredCheckpointsLimited(ctx context.Context, now time.Time, limit int) (int64, error)
	DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error)
}

// RetentionCollector 周期性清理过期的对话轮次、检查点与审计记录。
type RetentionCollector struct {
	cfg RetentionConfig

	store  RetentionStore
	logger *zap.Logger
}

func NewRetentionCollector(store RetentionStore, logger *zap.Logger) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionCollector{cfg: RetentionConfig{}.withDefaults(), store: store, logger: logger}, nil
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	if err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

type deleteFunc func(ctx context.Context, limit int) (int64, error)

// RunOnce 以 now 为基准执行一轮清理。
func (c *RetentionCollector) RunOnce(ctx context.Context, now time.Time) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	turnsCut := now.Add(-c.cfg.TurnRetention)
	auditCut := now.Add(-c.cfg.AuditRetention)
	tasks := map[string]deleteFunc{
		"turns": func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeleteTurnsBeforeLimited(ctx, turnsCut, limit)
		},
		"checkpoints": func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeleteExpiredCheckpointsLimited(ctx, now, limit)
		},
		"audit": func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeleteAuditRecordsBeforeLimited(ctx, auditCut, limit)
		},
	}

	workers := min(c.cfg.Workers, len(tasks))
	if workers <= 0 {
		workers = 1
	}

	type job struct {
		name string
		fn   deleteFunc
	}
	jobs := make(chan job)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := c.drain(ctx, j.name, j.fn); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for name, fn := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return ctx.Err()
		case jobs <- job{name: name, fn: fn}:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			return err
		}
	}
	return nil
}

// drain 分批删除直到没有可删的行。
func (c *RetentionCollector) drain(ctx context.Context, name string, fn deleteFunc) error {
	var total int64
	defer func() {
		if total > 0 {
			c.logger.Info("retention pruned rows", zap.String("table", name), zap.Int64("rows", total))
		}
	}()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := fn(ctx, c.cfg.BatchRows)
		if err != nil {
			return err
		}
		total += affected
		if affected == 0 {
			return nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
