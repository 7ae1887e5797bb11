package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"courier/internal/idempotency/models"
)

// Metrics holds Prometheus metrics for the idempotency guard.
type Metrics struct {
	Decisions           *prometheus.CounterVec
	LockReleaseFailures prometheus.Counter
	CacheErrors         prometheus.Counter
	PreCheckDuration    prometheus.Histogram
}

// New registers the guard metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_idempotency_decisions_total",
			Help: "Pre-check decisions by reason",
		}, []string{"reason"}),
		LockReleaseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_idempotency_lock_release_failures_total",
			Help: "Lock releases that failed after the transaction finished",
		}),
		CacheErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_idempotency_cache_errors_total",
			Help: "Result cache reads or writes that failed",
		}),
		PreCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_idempotency_precheck_duration_seconds",
			Help:    "Time taken by the idempotency pre-check",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncDecision counts a pre-check outcome. Safe on a nil receiver.
func (m *Metrics) IncDecision(reason models.Reason) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(reason)).Inc()
}

// IncLockReleaseFailures increments the lock release failure counter.
func (m *Metrics) IncLockReleaseFailures() {
	if m == nil {
		return
	}
	m.LockReleaseFailures.Inc()
}

// IncCacheErrors increments the cache error counter.
func (m *Metrics) IncCacheErrors() {
	if m == nil {
		return
	}
	m.CacheErrors.Inc()
}

// ObservePreCheckDuration records the pre-check latency.
func (m *Metrics) ObservePreCheckDuration(durationSeconds float64) {
	if m == nil {
		return
	}
	m.PreCheckDuration.Observe(durationSeconds)
}
