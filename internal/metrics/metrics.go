// Package metrics owns the Prometheus collectors shared across the
// service. A single Metrics value is created at startup and injected into
// the pollers, the ingest path and the retention manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	PollAttempts  *prometheus.CounterVec
	PollBackoffs  *prometheus.CounterVec
	StoreWrites   *prometheus.CounterVec
	QueryLatency  *prometheus.HistogramVec
	RetentionRuns *prometheus.CounterVec
	RowsReclaimed *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_poll_attempts_total",
			Help: "Poll attempts by kind and outcome.",
		}, []string{"kind", "result"}),
		PollBackoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_poll_backoffs_total",
			Help: "Backoff sleeps entered after repeated consecutive poll failures.",
		}, []string{"kind"}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_store_writes_total",
			Help: "Store append attempts by table and outcome.",
		}, []string{"table", "result"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "powermon_query_duration_seconds",
			Help:    "Historical query latency by query kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		RetentionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_retention_cycles_total",
			Help: "Retention cycles by outcome.",
		}, []string{"result"}),
		RowsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_rows_reclaimed_total",
			Help: "Rows compacted or deleted by the retention manager.",
		}, []string{"mode"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.PollAttempts, m.PollBackoffs, m.StoreWrites,
		m.QueryLatency, m.RetentionRuns, m.RowsReclaimed,
	)
	return m
}

// Handler exposes the collectors for the metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
