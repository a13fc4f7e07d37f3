// Package jobs 运行后台任务：入库 worker 池与数据保留清理。
package jobs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Manager struct {
	cfg Config

	ingest    *IngestWorkers
	retention *RetentionCollector
	logger    *zap.Logger

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Ingest = cfg.Ingest.withDefaults()
	cfg.Retention = cfg.Retention.withDefaults()
	return &Manager{cfg: cfg, logger: logger}, nil
}

func (m *Manager) WithIngest(w *IngestWorkers) *Manager {
	if m == nil {
		return nil
	}
	m.ingest = w
	if m.ingest != nil {
		m.ingest.cfg = m.cfg.Ingest
	}
	return m
}

func (m *Manager) WithRetention(c *RetentionCollector) *Manager {
	if m == nil {
		return nil
	}
	m.retention = c
	if m.retention != nil {
		m.retention.cfg = m.cfg.Retention
	}
	return m
}

func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.Ingest.Enabled {
		if m.ingest == nil {
			m.cancel()
			return errors.New("ingest workers are required when ingest enabled")
		}
		if n, err := m.ingest.requeueStale(runCtx); err != nil {
			m.logger.Warn("failed to requeue stale ingest jobs", zap.Error(err))
		} else if n > 0 {
			m.logger.Info("requeued stale ingest jobs", zap.Int64("count", n))
		}
		for i := 0; i < m.cfg.Ingest.Workers; i++ {
			m.spawn(runCtx, workerName("ingest", i), m.ingest.Run)
		}
	}

	if m.cfg.Retention.Enabled {
		if m.retention == nil {
			m.cancel()
			return errors.New("retention collector is required when retention enabled")
		}
		m.spawn(runCtx, "retention", m.retention.Run)
	}

	return nil
}

// spawn 启动一个 worker，并在进入与退出时调用生命周期回调。
func (m *Manager) spawn(ctx context.Context, name string, run func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cfg.Hooks.start(name)
		m.logger.Debug("worker started", zap.String("worker", name))

		err := run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			m.logger.Error("worker stopped with error", zap.String("worker", name), zap.Error(err))
			m.runErrMu.Lock()
			if m.runErr == nil {
				m.runErr = err
			}
			m.runErrMu.Unlock()
			m.cancel()
		}
		m.cfg.Hooks.stop(name, err)
	}()
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	m.runErrMu.Lock()
	defer m.runErrMu.Unlock()
	return m.runErr
}

func workerName(prefix string, i int) string {
	return prefix + "-" + strconv.Itoa(i)
}
