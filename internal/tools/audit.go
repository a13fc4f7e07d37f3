package tools

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/reqctx"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

const (
	auditTruncateLimit = 2048
)

// AuditStore 为审计记录的持久化接口，由 storage.Storage 实现。
type AuditStore interface {
	InsertAuditRecord(ctx context.Context, rec *storage.AuditRecord) error
	UpdateAuditRecord(ctx context.Context, id uint64, up storage.AuditUpdate) error
}

// Auditor 在工具执行前后记录审计日志。审计失败只打日志，不阻断工具执行。
type Auditor struct {
	store  AuditStore
	logger *zap.Logger
}

func NewAuditor(store AuditStore, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{store: store, logger: logger}
}

type auditHandle struct {
	a      *Auditor
	record *storage.AuditRecord
}

func (a *Auditor) begin(ctx context.Context, action string, args json.RawMessage) *auditHandle {
	record := &storage.AuditRecord{
		TraceID:    reqctx.TraceID(ctx),
		UserID:     reqctx.UserID(ctx),
		Action:     action,
		ParamsJSON: truncate(string(args), auditTruncateLimit),
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	// 审计写入不应受本次执行取消的影响。
	if err := a.store.InsertAuditRecord(context.WithoutCancel(ctx), record); err != nil {
		a.logger.Warn("failed to insert audit record", zap.String("tool", action), zap.Error(err))
	}
	return &auditHandle{a: a, record: record}
}

func (h *auditHandle) finish(ctx context.Context, res Result) {
	// 只有在 Insert 成功且有了 ID 后，才能 Update
	if h.record.ID == 0 {
		return
	}
	finishedAt := time.Now().UTC()
	status := "success"
	up := storage.AuditUpdate{Status: &status, FinishedAt: &finishedAt}
	if !res.Success {
		status = "failed"
		e := truncate(res.Error, auditTruncateLimit)
		up.ErrorMessage = &e
	} else if raw, err := json.Marshal(res.Data); err == nil {
		r := truncate(string(raw), auditTruncateLimit)
		up.ResultJSON = &r
	}
	if err := h.a.store.UpdateAuditRecord(context.WithoutCancel(ctx), h.record.ID, up); err != nil {
		h.a.logger.Warn("failed to update audit record", zap.Uint64("audit_id", h.record.ID), zap.Error(err))
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
