package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

func (s *Storage) EnqueueIngestJob(ctx context.Context, job *IngestJob) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if job == nil || job.ID == "" || job.ArxivID == "" {
		return errors.New("ingest job requires id and arxiv id")
	}
	job.Status = JobQueued
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("enqueue ingest job: %w", err)
	}
	return nil
}

// ClaimIngestJob 取出最早的一条 queued 任务并原子地标记为 running。
//
// 多个 worker 并发领取时，只有 UPDATE ... WHERE status='queued' 命中的那个 worker 能拿到任务；
// 没有可领取任务时返回 (nil, nil)。
func (s *Storage) ClaimIngestJob(ctx context.Context) (*IngestJob, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	for attempt := 0; attempt < 3; attempt++ {
		var job IngestJob
		err := s.db.WithContext(ctx).
			Where("status = ?", JobQueued).
			Order("created_at ASC").Order("id ASC").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select ingest job: %w", err)
		}

		res := s.db.WithContext(ctx).Model(&IngestJob{}).
			Where("id = ? AND status = ?", job.ID, JobQueued).
			Updates(map[string]interface{}{
				"status":     JobRunning,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim ingest job: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			job.Status = JobRunning
			job.Attempts++
			return &job, nil
		}
	}
	return nil, nil
}

func (s *Storage) CompleteIngestJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, JobDone, "")
}

// FailIngestJob 记录失败；attempts 未达上限时重新入队，否则标记为 failed。
func (s *Storage) FailIngestJob(ctx context.Context, id string, cause string, maxAttempts int) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	var job IngestJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("ingest job", id)
		}
		return fmt.Errorf("get ingest job: %w", err)
	}
	status := JobFailed
	if maxAttempts > 0 && job.Attempts < maxAttempts {
		status = JobQueued
	}
	return s.setJobStatus(ctx, id, status, cause)
}

func (s *Storage) setJobStatus(ctx context.Context, id string, status string, cause string) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	res := s.db.WithContext(ctx).Model(&IngestJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": cause,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update ingest job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("ingest job", id)
	}
	return nil
}

func (s *Storage) GetIngestJob(ctx context.Context, id string) (*IngestJob, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	var job IngestJob
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("ingest job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get ingest job: %w", err)
	}
	return &job, nil
}

// CountIngestJobs 统计某状态的任务数；status 为空时统计全部。
func (s *Storage) CountIngestJobs(ctx context.Context, status string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	db := s.db.WithContext(ctx).Model(&IngestJob{})
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var n int64
	if err := db.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count ingest jobs: %w", err)
	}
	return n, nil
}

// RequeueStaleIngestJobs 把长时间停留在 running 的任务放回队列（worker 崩溃后的恢复）。
func (s *Storage) RequeueStaleIngestJobs(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	res := s.db.WithContext(ctx).Model(&IngestJob{}).
		Where("status = ? AND updated_at < ?", JobRunning, before).
		Updates(map[string]interface{}{
			"status":     JobQueued,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue ingest jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
