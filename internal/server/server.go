// Package server 提供 HTTP/SSE 接口：对话流、任务取消、对话历史、论文入库队列、健康检查与指标。
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/chat"
	"github.com/wwwzy/PaperAgent/internal/metrics"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

// UserHeader 携带已认证的用户 ID；认证本身由前置网关完成。
const UserHeader = "X-User-ID"

type Config struct {
	Addr string `mapstructure:"addr"`
	// Heartbeat 为 SSE 心跳间隔，防止中间代理断开空闲连接。
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Admins 可以取消任何用户的任务。
	Admins []string `mapstructure:"admins"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Heartbeat:       15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

type ChatService interface {
	Handle(ctx context.Context, userID string, req chat.Request, emit agent.Emitter) (*agent.Result, error)
	Cancel(taskID string, actor string, admin bool) error
}

type Store interface {
	Ping(ctx context.Context) error
	GetConversation(ctx context.Context, sessionID string) (*storage.Conversation, error)
	ListRecentTurns(ctx context.Context, sessionID string, limit int) ([]storage.ConversationTurn, error)
	EnqueueIngestJob(ctx context.Context, job *storage.IngestJob) error
}

type QuotaChecker interface {
	Check(ctx context.Context, userID string, kind quota.Kind, n int) error
}

type Deps struct {
	Chat    ChatService
	Store   Store
	Quota   QuotaChecker
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Server struct {
	cfg     Config
	chat    ChatService
	store   Store
	quota   QuotaChecker
	metrics *metrics.Metrics
	logger  *zap.Logger

	engine *gin.Engine
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Chat == nil || deps.Store == nil {
		return nil, errors.New("server requires a chat service and a store")
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		chat:    deps.Chat,
		store:   deps.Store,
		quota:   deps.Quota,
		metrics: deps.Metrics,
		logger:  logger,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api/v1", requireUser())
	api.POST("/chat", s.handleChat)
	api.POST("/tasks/:id/cancel", s.cancelTask)
	api.GET("/sessions/:id/turns", s.listTurns)
	api.POST("/ingest", s.enqueueIngest)
	return r
}

// Handler 返回 http.Handler（测试与嵌入使用）。
func (s *Server) Handler() http.Handler { return s.engine }

// Run 监听并服务，直到 ctx 取消后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) isAdmin(userID string) bool {
	return slices.Contains(s.cfg.Admins, userID)
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
