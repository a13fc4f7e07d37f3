package chat

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wwwzy/PaperAgent/internal/agent"
	"github.com/wwwzy/PaperAgent/internal/conversation"
	"github.com/wwwzy/PaperAgent/internal/llm/llmtest"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/storage"
	"github.com/wwwzy/PaperAgent/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu      sync.Mutex
	runs    []agent.RunRequest
	resumes []agent.ResumeRequest
	status  agent.Status
	block   bool
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest, _ agent.Emitter) (*agent.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return &agent.Result{ThreadID: req.ThreadID, SessionID: req.SessionID, Status: agent.StatusCancelled, OriginalQuery: req.Query}, nil
	}
	return &agent.Result{ThreadID: req.ThreadID, SessionID: req.SessionID, Status: f.status, OriginalQuery: req.Query, Answer: "answer"}, nil
}

func (f *fakeRunner) Resume(_ context.Context, req agent.ResumeRequest, _ agent.Emitter) (*agent.Result, error) {
	f.mu.Lock()
	f.resumes = append(f.resumes, req)
	f.mu.Unlock()
	return &agent.Result{ThreadID: req.ThreadID, SessionID: req.SessionID, Status: agent.StatusCompleted, OriginalQuery: "ingest", Answer: "done"}, nil
}

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newService(t *testing.T, runner Runner, dailyChat int) (*Service, *storage.Storage, *quota.Service) {
	t.Helper()
	store := openStore(t)
	q := quota.NewService(store, quota.Config{
		DefaultTier: "free",
		Tiers:       map[string]quota.Tier{"free": {DailyChat: dailyChat, DailyIngest: 10}},
	}, nil)
	svc := NewService(runner, Options{
		Quota:  q,
		Memory: conversation.NewManager(store, 6, nil),
	})
	return svc, store, q
}

func TestRequestRequiresExactlyOneOfQueryOrDecision(t *testing.T) {
	svc, _, _ := newService(t, &fakeRunner{status: agent.StatusCompleted}, 10)
	ctx := context.Background()

	_, err := svc.Handle(ctx, "alice", Request{SessionID: "s1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Handle(ctx, "alice", Request{SessionID: "s1", ThreadID: "t1", Query: "q", Decision: &agent.Decision{}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Handle(ctx, "alice", Request{SessionID: "s1", Decision: &agent.Decision{Declined: true}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Handle(ctx, "alice", Request{SessionID: "s1", Query: "   "}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestChatQuotaRejectsBeforeRunning(t *testing.T) {
	runner := &fakeRunner{status: agent.StatusCompleted}
	svc, _, q := newService(t, runner, 1)
	ctx := context.Background()

	_, err := svc.Handle(ctx, "alice", Request{SessionID: "s1", Query: "first"}, nil)
	require.NoError(t, err)

	_, err = svc.Handle(ctx, "alice", Request{SessionID: "s1", Query: "second"}, nil)
	require.True(t, quota.IsExceeded(err))
	assert.Contains(t, err.Error(), "0 remaining")
	assert.Len(t, runner.runs, 1)

	used, err := q.GetTodayCount(ctx, "alice", quota.KindChat)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestPausedTurnIsRecordedOnceAfterResume(t *testing.T) {
	runner := &fakeRunner{status: agent.StatusPaused}
	svc, store, q := newService(t, runner, 10)
	ctx := context.Background()

	res, err := svc.Handle(ctx, "alice", Request{SessionID: "s1", Query: "ingest 2401.00001"}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusPaused, res.Status)
	require.NotEmpty(t, res.ThreadID)

	turns, err := store.ListRecentTurns(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	res, err = svc.Handle(ctx, "alice", Request{SessionID: "s1", ThreadID: res.ThreadID, Decision: &agent.Decision{Declined: true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	require.Len(t, runner.resumes, 1)
	assert.True(t, runner.resumes[0].Decision.Declined)
	assert.Equal(t, "alice", runner.resumes[0].UserID)

	turns, err = store.ListRecentTurns(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	used, err := q.GetTodayCount(ctx, "alice", quota.KindChat)
	require.NoError(t, err)
	assert.Equal(t, 1, used, "resuming does not consume another chat")
}

func TestCancelRegisteredTask(t *testing.T) {
	runner := &fakeRunner{block: true}
	svc, store, _ := newService(t, runner, 10)

	done := make(chan *agent.Result)
	go func() {
		res, err := svc.Handle(context.Background(), "alice", Request{SessionID: "s1", ThreadID: "t-cancel", Query: "slow"}, nil)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return svc.Tasks().Running("t-cancel") }, testTimeout, testTick)
	assert.ErrorIs(t, svc.Cancel("t-cancel", "mallory", false), agent.ErrNotTaskOwner)
	require.NoError(t, svc.Cancel("t-cancel", "alice", false))

	res := <-done
	assert.Equal(t, agent.StatusCancelled, res.Status)
	assert.False(t, svc.Tasks().Running("t-cancel"))

	turns, err := store.ListRecentTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "cancelled", turns[0].Status)
}

func TestHistoryFlowsIntoNextQuery(t *testing.T) {
	model := llmtest.New(func(_ context.Context, input []*schema.Message) (string, error) {
		if strings.Contains(llmtest.SystemPrompt(input), "routing component") {
			return `{"intent": "direct", "scope_score": 90, "reasoning": "definition", "tool_calls": []}`, nil
		}
		return "RRF sums reciprocal ranks.", nil
	})
	store := openStore(t)
	runner, err := agent.NewRunner(context.Background(), agent.Deps{
		Model:       model,
		Tools:       tools.NewRegistry(),
		Checkpoints: store,
	}, agent.Config{})
	require.NoError(t, err)
	svc := NewService(runner, Options{Memory: conversation.NewManager(store, 6, nil)})

	ctx := context.Background()
	_, err = svc.Handle(ctx, "alice", Request{SessionID: "s1", Query: "What is RRF?"}, nil)
	require.NoError(t, err)
	res, err := svc.Handle(ctx, "alice", Request{SessionID: "s1", Query: "Why does it work?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)

	calls := model.Calls()
	require.Len(t, calls, 4)
	second := calls[2]
	require.Len(t, second, 4)
	assert.Equal(t, "What is RRF?", second[1].Content)
	assert.Equal(t, "RRF sums reciprocal ranks.", second[2].Content)
}

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)
