package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ExecutionStarted()
	m.ExecutionFinished("completed", 2)
	m.ToolCalled("retrieve_chunks", true)
	m.NodeFinished("classify", time.Second)
	m.QuotaRejected("chat")
	m.IngestJobFinished("done")
	assert.NotNil(t, m.Handler())
}

func TestExecutionCounters(t *testing.T) {
	m := New()
	m.ExecutionStarted()
	m.ExecutionStarted()
	m.ExecutionFinished("completed", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveExecutions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("completed")))

	m.ToolCalled("arxiv_search", false)
	m.ToolCalled("arxiv_search", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("arxiv_search", "false")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.QuotaRejected("ingest")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `paperagent_quota_rejections_total{kind="ingest"} 1`))
}
