// Package metrics exposes Prometheus instrumentation for recall operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one registry.
//
// A nil *Metrics is valid and records nothing, so packages can be used
// without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	// OperationCounter counts engine, ledger and reflection operations.
	// Labels: op, code (ok or an error code)
	OperationCounter *prometheus.CounterVec

	// OperationDuration measures operation latency in seconds.
	// Labels: op
	OperationDuration *prometheus.HistogramVec

	// SearchResults observes how many results a search returned.
	SearchResults prometheus.Histogram

	// SearchDegraded counts searches served keyword-only.
	SearchDegraded prometheus.Counter

	// AutoLinks counts edges created by the graph linker.
	AutoLinks prometheus.Counter

	// EmbeddingPending is the number of records waiting for an embedding.
	EmbeddingPending prometheus.Gauge

	// HTTPRequestDuration measures HTTP API latency.
	// Labels: method, route, status
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers a fresh set of collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OperationCounter: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recall_operations_total",
			Help: "Operations by name and result code",
		}, []string{"op", "code"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recall_operation_duration_seconds",
			Help:    "Operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		SearchResults: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recall_search_results",
			Help:    "Results returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		SearchDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "recall_search_vector_unavailable_total",
			Help: "Searches answered from the keyword index only",
		}),
		AutoLinks: f.NewCounter(prometheus.CounterOpts{
			Name: "recall_graph_auto_links_total",
			Help: "Edges created by semantic auto-linking",
		}),
		EmbeddingPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "recall_embedding_pending",
			Help: "Records stored without an embedding",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recall_http_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status"}),
	}
}

// Registry returns the registry backing m, for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Observe records one operation outcome. code is "ok" for success.
func (m *Metrics) Observe(op, code string, started time.Time) {
	if m == nil {
		return
	}
	m.OperationCounter.WithLabelValues(op, code).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// SearchServed records a completed search.
func (m *Metrics) SearchServed(results int, vectorUnavailable bool) {
	if m == nil {
		return
	}
	m.SearchResults.Observe(float64(results))
	if vectorUnavailable {
		m.SearchDegraded.Inc()
	}
}

// LinksCreated adds n auto-created edges.
func (m *Metrics) LinksCreated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.AutoLinks.Add(float64(n))
}

// SetPending sets the embedding-pending gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.EmbeddingPending.Set(float64(n))
}

// HTTPRequest records one HTTP API request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, statusLabel(status)).Observe(d.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
