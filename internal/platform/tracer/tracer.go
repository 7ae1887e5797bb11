// Package tracer is a small tracing abstraction so the guard, the poller and
// the scanner can emit spans without importing OpenTelemetry directly.
//
// NewOTel adapts any OpenTelemetry provider; Setup installs an OTLP exporter
// as the global one and NewNoop is for tests.
package tracer

import (
	"context"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, marking it failed when err is non-nil.
	// End must be called exactly once, typically via defer.
	End(err error)
	SetAttributes(attrs ...Attribute)
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int creates an integer attribute.
func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: int64(value)}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names.
const (
	SpanIdempotencyPreCheck = "idempotency.precheck"
	SpanIdempotencyComplete = "idempotency.complete"
	SpanOutboxTick          = "outbox.tick"
	SpanOutboxDispatch      = "outbox.dispatch"
	SpanScannerTick         = "scanner.tick"
)

// Attribute keys.
const (
	AttrScope      = "idempotency.scope"
	AttrDecision   = "idempotency.decision"
	AttrEventID    = "outbox.event_id"
	AttrEventType  = "outbox.event_type"
	AttrClaimed    = "outbox.claimed"
	AttrRetryCount = "outbox.retry_count"
	AttrRule       = "scanner.rule"
	AttrFindings   = "scanner.findings"
)
