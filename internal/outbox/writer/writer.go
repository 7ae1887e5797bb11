// Package writer records outbox events in the caller's transaction.
package writer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"courier/internal/outbox/metrics"
	"courier/internal/outbox/models"
	dErrors "courier/pkg/domain-errors"
	txcontext "courier/pkg/platform/tx"
)

// Appender inserts an event unless its dedupe key is already recorded.
type Appender interface {
	Append(ctx context.Context, e *models.Event) (bool, error)
}

// Writer appends events alongside the business mutation that produced them.
type Writer struct {
	store   Appender
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// New creates a Writer.
func New(store Appender, opts ...Option) *Writer {
	w := &Writer{store: store, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Append records one event in the transaction carried by ctx. payload is
// JSON-encoded unless it already is raw JSON ([]byte or json.RawMessage).
//
// A dedupe key that is already recorded is not an error: the event exists
// and nothing is written. Any other failure must abort the caller's
// transaction so the mutation and its event commit together or not at all.
func (w *Writer) Append(ctx context.Context, eventType models.EventType, dedupeKey string, corr models.CorrelationIDs, payload any) error {
	if eventType == "" || dedupeKey == "" {
		return dErrors.New(dErrors.CodeInternal, "event type and dedupe key are required")
	}
	if _, ok := txcontext.ScopeFrom(ctx); !ok {
		return dErrors.New(dErrors.CodeInternal, "outbox append requires a transaction")
	}

	raw, err := encode(payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode event payload")
	}

	inserted, err := w.store.Append(ctx, models.NewEvent(eventType, dedupeKey, corr, raw, w.now()))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to append outbox event")
	}
	if !inserted {
		w.metrics.IncDedupeNoop(eventType.String())
		w.logger.DebugContext(ctx, "outbox event already recorded", "event_type", eventType, "dedupe_key", dedupeKey)
		return nil
	}
	w.metrics.IncAppended(eventType.String())
	return nil
}

func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
