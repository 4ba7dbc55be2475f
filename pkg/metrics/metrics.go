// Package metrics exposes Prometheus collectors for duplicate-request claims.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
)

const namespace = "crawl_coordinator"

// Metrics holds the collectors on a private registry
// A nil *Metrics is valid and records nothing
type Metrics struct {
	registry *prometheus.Registry

	claimsTotal          *prometheus.CounterVec
	claimDurationSeconds *prometheus.HistogramVec
	backendErrorsTotal   *prometheus.CounterVec
	clearsTotal          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		claimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Total number of claim attempts, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		),
		claimDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_duration_seconds",
				Help:      "Histogram of claim round-trip latencies, labeled by backend.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"backend"},
		),
		backendErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend infrastructure errors, labeled by backend and category.",
			},
			[]string{"backend", "category"},
		),
		clearsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clears_total",
				Help:      "Total number of administrative seen-set resets, labeled by backend.",
			},
			[]string{"backend"},
		),
	}
}

// Registry returns the private registry, for tests and custom exposition
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveClaim records one claim attempt and its latency
func (m *Metrics) ObserveClaim(backend models.BackendKind, outcome models.ClaimOutcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(backend.String(), string(outcome)).Inc()
	m.claimDurationSeconds.WithLabelValues(backend.String()).Observe(elapsed.Seconds())
}

// ObserveError records a backend error by its utils.CategorizeError category
func (m *Metrics) ObserveError(backend models.BackendKind, category string) {
	if m == nil {
		return
	}
	m.backendErrorsTotal.WithLabelValues(backend.String(), category).Inc()
}

// ObserveClear records a successful Clear
func (m *Metrics) ObserveClear(backend models.BackendKind) {
	if m == nil {
		return
	}
	m.clearsTotal.WithLabelValues(backend.String()).Inc()
}
