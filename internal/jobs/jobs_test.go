package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wwwzy/PaperAgent/internal/ingest"
	"github.com/wwwzy/PaperAgent/internal/llm"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db"), EnableWAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeLookup map[string]scholar.Paper

func (f fakeLookup) Lookup(_ context.Context, ids []string) ([]scholar.Paper, error) {
	var out []scholar.Paper
	for _, id := range ids {
		if p, ok := f[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

var papers = fakeLookup{
	"2401.00001": {ArxivID: "2401.00001", Title: "Dense retrieval", Abstract: "We study dense passage retrieval."},
	"2401.00002": {ArxivID: "2401.00002", Title: "Sparse retrieval", Abstract: "BM25 remains a strong baseline."},
}

type failingIngester struct{}

func (failingIngester) IngestPaper(context.Context, scholar.Paper, string) (bool, error) {
	return false, errors.New("embedding service unavailable")
}

func enqueue(t *testing.T, store *storage.Storage, id string, arxivID string) {
	t.Helper()
	require.NoError(t, store.EnqueueIngestJob(context.Background(), &storage.IngestJob{ID: id, UserID: "alice", ArxivID: arxivID}))
}

func newWorkers(t *testing.T, store *storage.Storage, pipeline PaperIngester) (*IngestWorkers, *quota.Service) {
	t.Helper()
	w, err := NewIngestWorkers(store, papers, pipeline, nil)
	require.NoError(t, err)
	q := quota.NewService(store, quota.DefaultConfig(), nil)
	return w.WithUsage(q), q
}

func TestDrainIngestsQueuedJobs(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	pipeline := ingest.NewPipeline(store, llm.NewHashEmbedder(32), ingest.DefaultConfig(), nil)
	w, q := newWorkers(t, store, pipeline)

	enqueue(t, store, "j1", "2401.00001")
	enqueue(t, store, "j2", "2401.00002")
	enqueue(t, store, "j3", "2401.09999")
	enqueue(t, store, "j4", "2401.00001")

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for id, want := range map[string]string{"j1": storage.JobDone, "j2": storage.JobDone, "j3": storage.JobFailed, "j4": storage.JobDone} {
		job, err := store.GetIngestJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, job.Status, id)
	}
	missing, err := store.GetIngestJob(ctx, "j3")
	require.NoError(t, err)
	assert.Equal(t, 1, missing.Attempts)
	assert.Contains(t, missing.LastError, "not found")

	count, err := store.CountPapers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	used, err := q.GetTodayCount(ctx, "alice", quota.KindIngest)
	require.NoError(t, err)
	assert.Equal(t, 2, used, "the duplicate job does not consume quota")
}

func TestFailedJobIsRetriedUntilMaxAttempts(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	w, _ := newWorkers(t, store, failingIngester{})

	var errs []error
	w.cfg.OnError = func(err error) { errs = append(errs, err) }
	enqueue(t, store, "j1", "2401.00001")

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, errs)

	job, err := store.GetIngestJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.LastError, "embedding service unavailable")
}

func TestManagerRunsWorkersWithLifecycleHooks(t *testing.T) {
	store := openTestStorage(t)
	pipeline := ingest.NewPipeline(store, llm.NewHashEmbedder(32), ingest.DefaultConfig(), nil)
	w, _ := newWorkers(t, store, pipeline)
	retention, err := NewRetentionCollector(store, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var started, stopped []string
	cfg := DefaultConfig()
	cfg.Ingest.Workers = 2
	cfg.Ingest.PollInterval = 10 * time.Millisecond
	cfg.Hooks = Hooks{
		OnWorkerStart: func(name string) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, name)
		},
		OnWorkerStop: func(name string, err error) {
			mu.Lock()
			defer mu.Unlock()
			assert.NoError(t, err, name)
			stopped = append(stopped, name)
		},
	}

	mgr, err := NewManager(cfg, nil)
	require.NoError(t, err)
	mgr.WithIngest(w).WithRetention(retention)

	require.NoError(t, mgr.Start(context.Background()))
	assert.Error(t, mgr.Start(context.Background()))

	enqueue(t, store, "j1", "2401.00002")
	require.Eventually(t, func() bool {
		job, err := store.GetIngestJob(context.Background(), "j1")
		return err == nil && job.Status == storage.JobDone
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Stop()
	require.NoError(t, mgr.Wait())

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(started)
	sort.Strings(stopped)
	assert.Equal(t, []string{"ingest-0", "ingest-1", "retention"}, started)
	assert.Equal(t, started, stopped)
}

func TestManagerRequiresConfiguredComponents(t *testing.T) {
	mgr, err := NewManager(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Error(t, mgr.Start(context.Background()))
}

func TestRetentionPrunesExpiredRows(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv, err := store.EnsureConversation(ctx, "s1", "alice", "t")
	require.NoError(t, err)
	for i, age := range []time.Duration{40 * 24 * time.Hour, time.Hour} {
		require.NoError(t, store.AppendTurn(ctx, &storage.ConversationTurn{
			ConversationID: conv.ID,
			SessionID:      "s1",
			ThreadID:       "t" + string(rune('a'+i)),
			UserQuery:      "q",
			Status:         "completed",
			CreatedAt:      now.Add(-age),
		}))
	}
	for _, exp := range []time.Time{now.Add(-time.Minute), now.Add(time.Hour)} {
		require.NoError(t, store.SaveCheckpoint(ctx, &storage.Checkpoint{
			ThreadID: "thread-" + exp.Format("150405.000"), NextNode: "end", Status: "completed", StateJSON: "{}", ExpiresAt: exp,
		}))
	}
	require.NoError(t, store.InsertAuditRecord(ctx, &storage.AuditRecord{Action: "retrieve_chunks", Status: "success", CreatedAt: now.Add(-20 * 24 * time.Hour)}))
	require.NoError(t, store.InsertAuditRecord(ctx, &storage.AuditRecord{Action: "list_papers", Status: "success"}))

	c, err := NewRetentionCollector(store, nil)
	require.NoError(t, err)
	c.cfg.BatchRows = 1
	c.cfg.IdleSleep = 0
	require.NoError(t, c.RunOnce(ctx, now))

	turns, err := store.ListRecentTurns(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	records, err := store.QueryAuditRecords(ctx, storage.AuditQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "list_papers", records[0].Action)

	var remaining int64
	require.NoError(t, store.DB().Model(&storage.Checkpoint{}).Count(&remaining).Error)
	assert.EqualValues(t, 1, remaining)
}
