package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the outbox writer and poller.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Producer metrics
	Appended    *prometheus.CounterVec
	DedupeNoops *prometheus.CounterVec

	// Queue health metrics
	PendingDepth     prometheus.Gauge
	OldestPendingAge prometheus.Gauge

	// Processing metrics
	Claimed         prometheus.Counter
	Processed       *prometheus.CounterVec
	Retried         *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	BatchSize       prometheus.Histogram

	// Worker health metrics
	PollDuration prometheus.Histogram
	TickErrors   prometheus.Counter
}

// New registers the outbox metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Appended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_outbox_appended_total",
			Help: "Events recorded in the outbox",
		}, []string{"event_type"}),
		DedupeNoops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_outbox_dedupe_noop_total",
			Help: "Appends that collided with an existing dedupe key",
		}, []string{"event_type"}),
		PendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_outbox_pending",
			Help: "Current number of pending outbox events",
		}),
		OldestPendingAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_outbox_oldest_pending_seconds",
			Help: "Age in seconds of the oldest pending outbox event",
		}),
		Claimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_outbox_events_claimed_total",
			Help: "Events claimed by pollers",
		}),
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_outbox_events_processed_total",
			Help: "Events delivered to all their handlers",
		}, []string{"event_type"}),
		Retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_outbox_events_retried_total",
			Help: "Failed deliveries rescheduled with backoff",
		}, []string{"event_type"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_outbox_events_failed_total",
			Help: "Events moved to the terminal failed state",
		}, []string{"event_type"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_outbox_handler_duration_seconds",
			Help:    "Time taken to run all handlers of one event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"event_type"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_outbox_batch_size",
			Help:    "Number of events claimed per tick",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_outbox_poll_duration_seconds",
			Help:    "Time taken for each poll tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_outbox_tick_errors_total",
			Help: "Poll ticks rolled back because of a store error",
		}),
	}
}

func (m *Metrics) IncAppended(eventType string) {
	if m == nil {
		return
	}
	m.Appended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDedupeNoop(eventType string) {
	if m == nil {
		return
	}
	m.DedupeNoops.WithLabelValues(eventType).Inc()
}

// SetPendingDepth sets the current number of pending events.
func (m *Metrics) SetPendingDepth(count int64) {
	if m == nil {
		return
	}
	m.PendingDepth.Set(float64(count))
}

// SetOldestPendingAge sets the age of the oldest pending event in seconds.
func (m *Metrics) SetOldestPendingAge(ageSeconds float64) {
	if m == nil {
		return
	}
	m.OldestPendingAge.Set(ageSeconds)
}

// ObserveBatch records how many events one tick claimed.
func (m *Metrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.Claimed.Add(float64(size))
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) IncProcessed(eventType string) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncRetried(eventType string) {
	if m == nil {
		return
	}
	m.Retried.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncFailed(eventType string) {
	if m == nil {
		return
	}
	m.Failed.WithLabelValues(eventType).Inc()
}

// ObserveHandlerDuration records the handler latency of one event.
func (m *Metrics) ObserveHandlerDuration(eventType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(eventType).Observe(durationSeconds)
}

// ObservePollDuration records the tick latency.
func (m *Metrics) ObservePollDuration(durationSeconds float64) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(durationSeconds)
}

func (m *Metrics) IncTickErrors() {
	if m == nil {
		return
	}
	m.TickErrors.Inc()
}
