package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/metrics"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

type JobStore interface {
	ClaimIngestJob(ctx context.Context) (*storage.IngestJob, error)
	CompleteIngestJob(ctx context.Context, id string) error
	FailIngestJob(ctx context.Context, id string, cause string, maxAttempts int) error
	RequeueStaleIngestJobs(ctx context.Context, before time.Time) (int64, error)
}

type PaperLookup interface {
	Lookup(ctx context.Context, ids []string) ([]scholar.Paper, error)
}

type PaperIngester interface {
	IngestPaper(ctx context.Context, paper scholar.Paper, userID string) (bool, error)
}

type UsageCounter interface {
	Increment(ctx context.Context, userID string, kind quota.Kind, n int) (int, error)
}

// 任务处理结果，写入指标。
const (
	outcomeDone    = "done"
	outcomeSkipped = "skipped"
	outcomeRetry   = "retry"
	outcomeFailed  = "failed"
)

// IngestWorkers 从任务队列领取入库任务并交给入库流水线。
type IngestWorkers struct {
	cfg IngestConfig

	store    JobStore
	source   PaperLookup
	pipeline PaperIngester
	usage    UsageCounter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewIngestWorkers(store JobStore, source PaperLookup, pipeline PaperIngester, logger *zap.Logger) (*IngestWorkers, error) {
	if store == nil || source == nil || pipeline == nil {
		return nil, errors.New("ingest workers require a job store, a paper source and a pipeline")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestWorkers{
		cfg:      IngestConfig{}.withDefaults(),
		store:    store,
		source:   source,
		pipeline: pipeline,
		logger:   logger,
	}, nil
}

func (w *IngestWorkers) WithUsage(u UsageCounter) *IngestWorkers {
	w.usage = u
	return w
}

func (w *IngestWorkers) WithMetrics(m *metrics.Metrics) *IngestWorkers {
	w.metrics = m
	return w
}

// Run 是单个 worker 的主循环：有任务就处理，队列为空时按 PollInterval 轮询，直到 ctx 取消。
func (w *IngestWorkers) Run(ctx context.Context) error {
	if w == nil || w.store == nil {
		return errors.New("ingest workers not initialized")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		for {
			handled, err := w.processNext(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				w.cfg.OnError(err)
				w.logger.Warn("ingest queue error", zap.Error(err))
				break
			}
			if !handled {
				break
			}
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

// Drain 在当前 goroutine 中处理队列直到为空，返回处理的任务数（命令行 ingest 使用）。
func (w *IngestWorkers) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		handled, err := w.processNext(ctx)
		if err != nil {
			return n, err
		}
		if !handled {
			return n, nil
		}
		n++
	}
}

func (w *IngestWorkers) requeueStale(ctx context.Context) (int64, error) {
	return w.store.RequeueStaleIngestJobs(ctx, time.Now().UTC().Add(-w.cfg.StaleAfter))
}

// processNext 领取并处理一条任务；队列为空时返回 false。
func (w *IngestWorkers) processNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimIngestJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	outcome := w.process(ctx, job)
	w.metrics.IngestJobFinished(outcome)
	return true, nil
}

func (w *IngestWorkers) process(ctx context.Context, job *storage.IngestJob) string {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("arxiv_id", job.ArxivID),
		zap.String("user_id", job.UserID),
		zap.Int("attempt", job.Attempts))

	papers, err := w.source.Lookup(ctx, []string{job.ArxivID})
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("lookup: %w", err), w.cfg.MaxAttempts, logger)
	}
	if len(papers) == 0 {
		// 不存在的论文重试也没有意义。
		return w.fail(ctx, job, fmt.Errorf("paper %s not found", job.ArxivID), 0, logger)
	}

	created, err := w.pipeline.IngestPaper(ctx, papers[0], job.UserID)
	if err != nil {
		return w.fail(ctx, job, err, w.cfg.MaxAttempts, logger)
	}
	if err := w.store.CompleteIngestJob(ctx, job.ID); err != nil {
		w.cfg.OnError(err)
		logger.Warn("failed to complete ingest job", zap.Error(err))
	}
	if !created {
		logger.Info("paper already in corpus")
		return outcomeSkipped
	}
	if w.usage != nil {
		if _, err := w.usage.Increment(ctx, job.UserID, quota.KindIngest, 1); err != nil {
			logger.Warn("failed to record ingest usage", zap.Error(err))
		}
	}
	logger.Info("paper ingested")
	return outcomeDone
}

func (w *IngestWorkers) fail(ctx context.Context, job *storage.IngestJob, cause error, maxAttempts int, logger *zap.Logger) string {
	if err := w.store.FailIngestJob(context.WithoutCancel(ctx), job.ID, cause.Error(), maxAttempts); err != nil {
		w.cfg.OnError(err)
		logger.Warn("failed to record ingest failure", zap.Error(err))
	}
	if maxAttempts > 0 && job.Attempts < maxAttempts {
		logger.Warn("ingest job failed, will retry", zap.Error(cause))
		return outcomeRetry
	}
	logger.Error("ingest job failed", zap.Error(cause))
	return outcomeFailed
}
