// Package metrics 定义编排器、工具与额度相关的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 的所有方法对 nil 接收者安全，未启用指标的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	Executions        *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	NodeLatency       *prometheus.HistogramVec
	RetrievalAttempts prometheus.Histogram
	QuotaRejections   *prometheus.CounterVec
	IngestJobs        *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
}

// New 使用独立的 Registry，便于测试中重复创建。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paperagent_executions_total",
			Help: "Graph executions by terminal status",
		}, []string{"status"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paperagent_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "success"}),
		NodeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paperagent_node_duration_seconds",
			Help:    "Time spent in each graph node",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"node"}),
		RetrievalAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paperagent_retrieval_attempts",
			Help:    "Retrieval attempts per finished execution",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		}),
		QuotaRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paperagent_quota_rejections_total",
			Help: "Requests rejected by daily quota",
		}, []string{"kind"}),
		IngestJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paperagent_ingest_jobs_total",
			Help: "Background ingest jobs by outcome",
		}, []string{"outcome"}),
		ActiveExecutions: f.NewGauge(prometheus.GaugeOpts{
			Name: "paperagent_active_executions",
			Help: "Executions currently in flight",
		}),
	}
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

// ExecutionFinished 记录一次执行的终态（包括 paused）。
func (m *Metrics) ExecutionFinished(status string, retrievalAttempts int) {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
	m.Executions.WithLabelValues(status).Inc()
	m.RetrievalAttempts.Observe(float64(retrievalAttempts))
}

func (m *Metrics) ToolCalled(tool string, success bool) {
	if m == nil {
		return
	}
	ok := "false"
	if success {
		ok = "true"
	}
	m.ToolCalls.WithLabelValues(tool, ok).Inc()
}

func (m *Metrics) NodeFinished(node string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeLatency.WithLabelValues(node).Observe(d.Seconds())
}

func (m *Metrics) QuotaRejected(kind string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) IngestJobFinished(outcome string) {
	if m == nil {
		return
	}
	m.IngestJobs.WithLabelValues(outcome).Inc()
}

// Handler 暴露 /metrics。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
