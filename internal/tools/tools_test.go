package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/PaperAgent/internal/llm/llmtest"
	"github.com/wwwzy/PaperAgent/internal/quota"
	"github.com/wwwzy/PaperAgent/internal/reqctx"
	"github.com/wwwzy/PaperAgent/internal/retrieval"
	"github.com/wwwzy/PaperAgent/internal/scholar"
	"github.com/wwwzy/PaperAgent/internal/storage"
)

type fakeSearcher struct {
	results []retrieval.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) ([]retrieval.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

type fakeSource struct {
	papers []scholar.Paper
}

func (f *fakeSource) Search(_ context.Context, _ string, n int) ([]scholar.Paper, error) {
	if n < len(f.papers) {
		return f.papers[:n], nil
	}
	return f.papers, nil
}

func (f *fakeSource) Lookup(_ context.Context, ids []string) ([]scholar.Paper, error) {
	var out []scholar.Paper
	for _, p := range f.papers {
		for _, id := range ids {
			if p.ArxivID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

type fixedQuota int

func (q fixedQuota) Remaining(context.Context, string, quota.Kind) (int, error) { return int(q), nil }

type panicTool struct{}

func (panicTool) Name() string                              { return "explode" }
func (panicTool) Description() string                       { return "always panics" }
func (panicTool) Params() map[string]*schema.ParameterInfo { return nil }
func (panicTool) Execute(context.Context, json.RawMessage) Result {
	panic("kaboom")
}

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "tools.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func candidates(n int) []scholar.Paper {
	out := make([]scholar.Paper, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, scholar.Paper{ArxivID: "2401.0000" + string(rune('1'+i)), Title: "Paper " + string(rune('A'+i))})
	}
	return out
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&RetrieveChunksTool{Searcher: &fakeSearcher{}}))
	assert.Error(t, r.Register(&RetrieveChunksTool{}), "duplicate registration")

	err := r.Validate("make_coffee", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))

	assert.Error(t, r.Validate(NameRetrieveChunks, json.RawMessage(`{}`)), "missing required query")
	assert.Error(t, r.Validate(NameRetrieveChunks, json.RawMessage(`{"query": 42}`)), "wrong type")
	assert.NoError(t, r.Validate(NameRetrieveChunks, json.RawMessage(`{"query": "rrf", "top_k": 2}`)))

	res := r.Invoke(context.Background(), NameRetrieveChunks, json.RawMessage(`{"top_k": 2}`))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")

	assert.Equal(t, []string{NameRetrieveChunks}, r.Names())
	require.Len(t, r.Infos(), 1)
	assert.Equal(t, NameRetrieveChunks, r.Infos()[0].Name)
}

func TestRegistryIsolatesPanicsAndAudits(t *testing.T) {
	store := openStore(t)
	r := NewRegistry(WithAuditor(NewAuditor(store, nil)))
	require.NoError(t, r.Register(panicTool{}, &RetrieveChunksTool{Searcher: &fakeSearcher{
		results: []retrieval.Result{{ChunkID: 1, ArxivID: "2401.00001", Title: "RRF", Content: "fusion"}},
	}}))

	ctx := reqctx.WithUserID(reqctx.WithTraceID(context.Background(), "thread-9"), "alice")
	res := r.Invoke(ctx, "explode", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "explode")

	res = r.Invoke(ctx, NameRetrieveChunks, json.RawMessage(`{"query":"fusion"}`))
	require.True(t, res.Success)

	recs, err := store.QueryAuditRecords(context.Background(), storage.AuditQuery{TraceID: "thread-9"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, "alice", recs[0].UserID)
	assert.Equal(t, "success", recs[1].Status)
	assert.Contains(t, recs[1].ResultJSON, "2401.00001")
}

func TestRetrieveChunksFormatsPassages(t *testing.T) {
	tool := &RetrieveChunksTool{Searcher: &fakeSearcher{results: []retrieval.Result{
		{ChunkID: 7, ArxivID: "2401.00001", Title: "Fusion", Ordinal: 2, Content: " rank fusion works "},
	}}, TopK: 3}

	res := tool.Execute(context.Background(), json.RawMessage(`{"query":"fusion"}`))
	require.True(t, res.Success)
	assert.Equal(t, "[1] Fusion (arXiv:2401.00001, passage 3)\nrank fusion works", res.PromptText)
	assert.Len(t, res.Data.([]retrieval.Result), 1)

	empty := (&RetrieveChunksTool{Searcher: &fakeSearcher{}}).Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	require.True(t, empty.Success)
	assert.Contains(t, empty.PromptText, "No relevant passages")

	failed := (&RetrieveChunksTool{Searcher: &fakeSearcher{err: errors.New("db down")}}).Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "db down")
}

func TestIngestPapersRejectsOverQuota(t *testing.T) {
	store := openStore(t)
	tool := &IngestPapersTool{Source: &fakeSource{papers: candidates(5)}, Corpus: store, Quota: fixedQuota(3)}

	res := tool.Execute(context.Background(), json.RawMessage(`{"query":"transformers","max_papers":5}`))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "3")
	assert.Nil(t, res.Confirmation)

	n, err := store.CountPapers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestPapersProposesFreshPapers(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.InsertPaperWithChunks(ctx, &storage.Paper{ArxivID: "2401.00001", Title: "Paper A", Published: time.Now()}, nil)
	require.NoError(t, err)

	tool := &IngestPapersTool{Source: &fakeSource{papers: candidates(3)}, Corpus: store, Quota: fixedQuota(quota.Unlimited)}
	res := tool.Execute(ctx, json.RawMessage(`{"arxiv_ids":["2401.00001","arXiv:2401.00002v2","2401.00003","2401.00003"]}`))
	require.True(t, res.Success)
	require.NotNil(t, res.Confirmation)
	assert.Equal(t, ConfirmIngestReason, res.Confirmation.Reason)

	var proposal IngestProposal
	require.NoError(t, json.Unmarshal(res.Confirmation.Payload, &proposal))
	require.Len(t, proposal.Papers, 2)
	assert.Equal(t, "2401.00002", proposal.Papers[0].ArxivID)
	assert.Equal(t, "2401.00003", proposal.Papers[1].ArxivID)

	none := tool.Execute(ctx, json.RawMessage(`{"arxiv_ids":["2401.00001"]}`))
	require.True(t, none.Success)
	assert.Nil(t, none.Confirmation)

	missing := tool.Execute(ctx, json.RawMessage(`{}`))
	assert.False(t, missing.Success)
}

func TestSummarizePaper(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	_, err := store.InsertPaperWithChunks(ctx,
		&storage.Paper{ArxivID: "2401.00001", Title: "Fusion", Abstract: "We fuse rankings.", Published: time.Now()},
		[]storage.Chunk{{Ordinal: 0, Content: "Body text."}})
	require.NoError(t, err)

	m := llmtest.Fixed("A short summary.")
	tool := &SummarizePaperTool{Corpus: store, Model: m}

	res := tool.Execute(ctx, json.RawMessage(`{"arxiv_id":"2401.00001"}`))
	require.True(t, res.Success)
	assert.Equal(t, "A short summary.", res.Data.(PaperDigest).Summary)
	require.Len(t, m.Calls(), 1)
	assert.Contains(t, llmtest.LastUser(m.Calls()[0]), "Body text.")

	missing := tool.Execute(ctx, json.RawMessage(`{"arxiv_id":"9999.99999"}`))
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Error, "not in the corpus")
}

func TestListPapers(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	for _, p := range candidates(3) {
		_, err := store.InsertPaperWithChunks(ctx, &storage.Paper{ArxivID: p.ArxivID, Title: p.Title, Category: "cs.CL", Published: time.Now()}, nil)
		require.NoError(t, err)
	}

	res := (&ListPapersTool{Corpus: store}).Execute(ctx, json.RawMessage(`{"limit":2}`))
	require.True(t, res.Success)
	data := res.Data.(ListPapersData)
	assert.EqualValues(t, 3, data.Total)
	assert.Len(t, data.Papers, 2)
	assert.Contains(t, res.PromptText, "showing 2")
}

func TestInvokableToolsAndCatalog(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&RetrieveChunksTool{Searcher: &fakeSearcher{
		results: []retrieval.Result{{ChunkID: 1, ArxivID: "2401.00001", Title: "RRF", Content: "fusion"}},
	}}))

	catalog := r.Catalog()
	assert.Contains(t, catalog, "- retrieve_chunks:")
	assert.Contains(t, catalog, "query (string, required)")
	assert.Contains(t, catalog, "top_k (integer, optional)")

	list := r.InvokableTools()
	require.Len(t, list, 1)
	info, err := list[0].Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NameRetrieveChunks, info.Name)

	out, err := list[0].InvokableRun(context.Background(), `{"query":"fusion"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "[1] RRF")

	_, err = list[0].InvokableRun(context.Background(), `{}`)
	assert.Error(t, err)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownTool)
}
