// Package metrics provides Prometheus metrics for annostore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	// Store metrics
	MutationsTotal           *prometheus.CounterVec
	BackendTransactionsTotal *prometheus.CounterVec

	// Sync metrics
	SyncOperationsTotal *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ProjectsTotal       prometheus.Gauge
}

// New creates and registers all collectors on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.MutationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annostore_mutations_total",
			Help: "Total number of project store mutations",
		},
		[]string{"operation", "status"},
	)

	m.BackendTransactionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annostore_backend_transactions_total",
			Help: "Total number of persistence backend transactions",
		},
		[]string{"backend", "status"},
	)

	m.SyncOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annostore_sync_operations_total",
			Help: "Total number of push/pull/exists operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annostore_http_requests_total",
			Help: "Total number of revision store HTTP requests",
		},
		[]string{"route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annostore_http_request_duration_seconds",
			Help:    "Duration of revision store HTTP requests in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route"},
	)

	m.ProjectsTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "annostore_projects_total",
			Help: "Number of projects held by the revision store",
		},
	)

	return m
}

// RecordMutation records a store mutation outcome
func (m *Metrics) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
}

// RecordBackendTransaction records one backend transaction outcome
func (m *Metrics) RecordBackendTransaction(backend string, err error) {
	if m == nil {
		return
	}
	m.BackendTransactionsTotal.WithLabelValues(backend, statusLabel(err)).Inc()
}

// RecordSync records a sync operation with a caller-classified outcome
func (m *Metrics) RecordSync(operation, outcome string) {
	if m == nil {
		return
	}
	m.SyncOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPRequest records a served request
func (m *Metrics) RecordHTTPRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetProjects updates the project count gauge
func (m *Metrics) SetProjects(n int) {
	if m == nil {
		return
	}
	m.ProjectsTotal.Set(float64(n))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusClass(status int) string {
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
