package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/chat"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

// maxIngestBatch 为单次请求最多入队的论文数。
const maxIngestBatch = 50

type outcome struct {
	res *agent.Result
	err error
}

// handleChat 以 SSE 流式返回执行事件。
//
// 在第一个事件之前出现的错误（请求无效、额度不足、无法恢复）以普通 JSON 错误返回；
// 客户端断开时请求 ctx 被取消，登记的任务随之取消。
func (s *Server) handleChat(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	user := userOf(c)

	events := make(chan agent.Event, 64)
	done := make(chan outcome, 1)
	emit := func(ev agent.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		res, err := s.chat.Handle(ctx, user, req, emit)
		done <- outcome{res: res, err: err}
	}()

	streaming := false
	write := func(ev agent.Event) {
		if !streaming {
			streaming = true
			h := c.Writer.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("failed to encode event", zap.Error(err))
			return
		}
		c.SSEvent(string(ev.Type), string(payload))
		c.Writer.Flush()
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-events:
			write(ev)
		case <-heartbeat.C:
			if streaming {
				c.SSEvent("ping", "{}")
				c.Writer.Flush()
			}
		case <-ctx.Done():
			// 客户端已断开：等待执行感知取消后退出，不再写响应。
			out := <-done
			s.logger.Info("client disconnected", zap.String("user_id", user), zap.Bool("finished", out.res != nil))
			return
		case out := <-done:
		drain:
			for {
				select {
				case ev := <-events:
					write(ev)
				default:
					break drain
				}
			}
			if out.err != nil {
				if streaming {
					write(agent.Event{Type: agent.EventError, Error: "request failed"})
					return
				}
				s.writeChatError(c, out.err)
			}
			return
		}
	}
}

func (s *Server) writeChatError(c *gin.Context, err error) {
	var qe *quota.ExceededError
	switch {
	case errors.As(err, &qe):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": qe.Error(), "remaining": qe.Remaining})
	case errors.Is(err, chat.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrCheckpointNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
	case errors.Is(err, agent.ErrNotPaused), errors.Is(err, agent.ErrTaskExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, agent.ErrSessionMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "execution belongs to another session"})
	default:
		s.logger.Error("chat request failed", zap.String("user_id", userOf(c)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func (s *Server) cancelTask(c *gin.Context) {
	user := userOf(c)
	err := s.chat.Cancel(c.Param("id"), user, s.isAdmin(user))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	case errors.Is(err, agent.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, agent.ErrNotTaskOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "task belongs to another user"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
	}
}

type turnView struct {
	ThreadID            string          `json:"thread_id"`
	Query               string          `json:"query"`
	Answer              string          `json:"answer"`
	Status              string          `json:"status"`
	ScopeScore          int             `json:"scope_score"`
	RetrievalAttempts   int             `json:"retrieval_attempts"`
	Sources             json.RawMessage `json:"sources,omitempty"`
	Reasoning           json.RawMessage `json:"reasoning,omitempty"`
	PendingConfirmation json.RawMessage `json:"pending_confirmation,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func rawJSON(s string) json.RawMessage {
	if s == "" || s == "null" {
		return nil
	}
	return json.RawMessage(s)
}

func (s *Server) listTurns(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	conv, err := s.store.GetConversation(ctx, sessionID)
	if err != nil || conv.UserID != userOf(c) {
		if err != nil && !storage.IsNotFound(err) {
			s.logger.Error("load conversation failed", zap.String("session_id", sessionID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	turns, err := s.store.ListRecentTurns(ctx, sessionID, limit)
	if err != nil {
		s.logger.Error("list turns failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list turns"})
		return
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnView{
			ThreadID:            t.ThreadID,
			Query:               t.UserQuery,
			Answer:              t.Answer,
			Status:              t.Status,
			ScopeScore:          t.ScopeScore,
			RetrievalAttempts:   t.RetrievalAttempts,
			Sources:             rawJSON(t.SourcesJSON),
			Reasoning:           rawJSON(t.ReasoningJSON),
			PendingConfirmation: rawJSON(t.PendingConfirmationJSON),
			CreatedAt:           t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "title": conv.Title, "turns": out})
}

type ingestRequest struct {
	ArxivIDs []string `json:"arxiv_ids" binding:"required"`
}

// enqueueIngest 把论文放入后台入库队列。额度按篇数预检，实际扣减在入库成功后进行。
func (s *Server) enqueueIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "arxiv_ids is required"})
		return
	}
	seen := map[string]bool{}
	ids := make([]string, 0, len(req.ArxivIDs))
	for _, raw := range req.ArxivIDs {
		id := scholar.NormalizeArxivID(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 || len(ids) > maxIngestBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "between 1 and " + strconv.Itoa(maxIngestBatch) + " arxiv ids are required"})
		return
	}

	ctx := c.Request.Context()
	user := userOf(c)
	if s.quota != nil {
		if err := s.quota.Check(ctx, user, quota.KindIngest, len(ids)); err != nil {
			var qe *quota.ExceededError
			if errors.As(err, &qe) {
				s.metrics.QuotaRejected(string(quota.KindIngest))
				c.JSON(http.StatusTooManyRequests, gin.H{"error": qe.Error(), "remaining": qe.Remaining})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
			return
		}
	}

	jobs := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		job := &storage.IngestJob{ID: uuid.NewString(), UserID: user, ArxivID: id}
		if err := s.store.EnqueueIngestJob(ctx, job); err != nil {
			s.logger.Error("enqueue ingest job failed", zap.String("arxiv_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue", "jobs": jobs})
			return
		}
		jobs = append(jobs, gin.H{"job_id": job.ID, "arxiv_id": id})
	}
	c.JSON(http.StatusAccepted, gin.H{"jobs": jobs})
}
