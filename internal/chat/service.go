// Package chat 是一次对话请求的入口：校验请求、检查额度、登记可取消任务，然后运行或恢复编排器并持久化本轮结果。
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/metrics"
	"github.com/wwwzy/PaperAgent/internal/quota"
)

// ErrInvalidRequest 表示请求既没有 query 也没有 decision，或者两者同时出现。
var ErrInvalidRequest = errors.New("exactly one of query or decision is required")

// Request 要么携带新的 query，要么携带对挂起执行的 decision（此时 ThreadID 必填）。
type Request struct {
	SessionID string          `json:"session_id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Query     string          `json:"query,omitempty"`
	Decision  *agent.Decision `json:"decision,omitempty"`
}

func (r Request) validate() error {
	hasQuery := strings.TrimSpace(r.Query) != ""
	if hasQuery == (r.Decision != nil) {
		return ErrInvalidRequest
	}
	if r.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if r.Decision != nil && r.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required to resume", ErrInvalidRequest)
	}
	return nil
}

type Runner interface {
	Run(ctx context.Context, req agent.RunRequest, emit agent.Emitter) (*agent.Result, error)
	Resume(ctx context.Context, req agent.ResumeRequest, emit agent.Emitter) (*agent.Result, error)
}

type Quota interface {
	Reserve(ctx context.Context, userID string, kind quota.Kind, n int) error
}

type Memory interface {
	History(ctx context.Context, sessionID string) ([]*schema.Message, error)
	Record(ctx context.Context, userID string, res *agent.Result) error
}

type Service struct {
	runner  Runner
	tasks   *agent.TaskRegistry
	quota   Quota
	memory  Memory
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Options struct {
	Tasks   *agent.TaskRegistry
	Quota   Quota
	Memory  Memory
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func NewService(runner Runner, opts Options) *Service {
	s := &Service{
		runner:  runner,
		tasks:   opts.Tasks,
		quota:   opts.Quota,
		memory:  opts.Memory,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.tasks == nil {
		s.tasks = agent.NewTaskRegistry()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Tasks 返回正在运行的任务登记表（HTTP 层用它取消执行）。
func (s *Service) Tasks() *agent.TaskRegistry { return s.tasks }

// Handle 处理一次对话请求，事件通过 emit 流式发出。
//
// 新查询在运行前检查并扣减当日聊天额度（每次执行一次）；恢复挂起的执行不再扣减。
// 额度不足时返回 *quota.ExceededError，不启动执行。
func (s *Service) Handle(ctx context.Context, userID string, req Request, emit agent.Emitter) (*agent.Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	threadID := req.ThreadID
	if req.Decision == nil && threadID == "" {
		threadID = uuid.NewString()
	}
	logger := s.logger.With(
		zap.String("user_id", userID),
		zap.String("session_id", req.SessionID),
		zap.String("thread_id", threadID))

	if req.Decision == nil {
		if err := s.chargeChat(ctx, userID); err != nil {
			if quota.IsExceeded(err) {
				s.metrics.QuotaRejected(string(quota.KindChat))
				logger.Info("chat rejected by quota", zap.Error(err))
			}
			return nil, err
		}
	}

	taskCtx, release, err := s.tasks.Register(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *agent.Result
	if req.Decision != nil {
		res, err = s.runner.Resume(taskCtx, agent.ResumeRequest{
			ThreadID:  threadID,
			SessionID: req.SessionID,
			UserID:    userID,
			Decision:  *req.Decision,
		}, emit)
	} else {
		var history []*schema.Message
		if s.memory != nil {
			if history, err = s.memory.History(taskCtx, req.SessionID); err != nil {
				logger.Warn("failed to load conversation history", zap.Error(err))
			}
		}
		res, err = s.runner.Run(taskCtx, agent.RunRequest{
			ThreadID:  threadID,
			SessionID: req.SessionID,
			UserID:    userID,
			Query:     req.Query,
			History:   history,
		}, emit)
	}
	if err != nil {
		return nil, err
	}

	if s.memory != nil && res.Terminal() {
		// 取消后 ctx 已失效，但本轮结果仍需落库。
		if err := s.memory.Record(context.WithoutCancel(ctx), userID, res); err != nil {
			logger.Warn("failed to record conversation turn", zap.Error(err))
		}
	}
	return res, nil
}

func (s *Service) chargeChat(ctx context.Context, userID string) error {
	if s.quota == nil {
		return nil
	}
	if err := s.quota.Reserve(ctx, userID, quota.KindChat, 1); err != nil {
		if quota.IsExceeded(err) {
			return err
		}
		return fmt.Errorf("record chat usage: %w", err)
	}
	return nil
}

// Cancel 取消一个正在运行的执行。只有发起者或管理员可以取消。
func (s *Service) Cancel(taskID string, actor string, admin bool) error {
	return s.tasks.Cancel(taskID, actor, admin)
}
