package tracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "courier"

// OTelTracer emits spans through an OpenTelemetry TracerProvider.
type OTelTracer struct {
	tracer trace.Tracer
}

// OTelOption configures an OTelTracer.
type OTelOption func(*otelConfig)

type otelConfig struct {
	provider trace.TracerProvider
}

// WithProvider selects the provider. The global provider is used otherwise.
func WithProvider(tp trace.TracerProvider) OTelOption {
	return func(c *otelConfig) {
		c.provider = tp
	}
}

// NewOTel creates a tracer. The global provider is resolved lazily by the
// otel package, so Setup may run before or after.
func NewOTel(opts ...OTelOption) *OTelTracer {
	var cfg otelConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.provider == nil {
		cfg.provider = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: cfg.provider.Tracer(instrumentationName)}
}

// NewNoop returns a tracer that records nothing.
func NewNoop() *OTelTracer {
	return NewOTel(WithProvider(noop.NewTracerProvider()))
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(keyValues(attrs)...))
	return ctx, otelSpan{span}
}

type otelSpan struct {
	trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.Span.RecordError(err)
		s.Span.SetStatus(codes.Error, err.Error())
	}
	s.Span.End()
}

func (s otelSpan) SetAttributes(attrs ...Attribute) {
	s.Span.SetAttributes(keyValues(attrs)...)
}

func (s otelSpan) AddEvent(name string, attrs ...Attribute) {
	s.Span.AddEvent(name, trace.WithAttributes(keyValues(attrs)...))
}

// keyValues drops attributes whose value type has no otel counterpart.
func keyValues(attrs []Attribute) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kv = append(kv, attribute.String(a.Key, v))
		case int64:
			kv = append(kv, attribute.Int64(a.Key, v))
		case bool:
			kv = append(kv, attribute.Bool(a.Key, v))
		case float64:
			kv = append(kv, attribute.Float64(a.Key, v))
		}
	}
	return kv
}

var _ Tracer = (*OTelTracer)(nil)
