package tracer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"courier/internal/platform/tracer"
)

func recording(t *testing.T) (*tracer.OTelTracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tracer.NewOTel(tracer.WithProvider(tp)), rec
}

func TestSpanCarriesAttributes(t *testing.T) {
	tr, rec := recording(t)

	_, span := tr.Start(context.Background(), tracer.SpanIdempotencyPreCheck,
		tracer.String(tracer.AttrScope, "instruction.issue"),
		tracer.Int(tracer.AttrRetryCount, 1),
	)
	span.SetAttributes(tracer.String(tracer.AttrDecision, "proceed"), tracer.Bool("cached", false))
	span.AddEvent("lock.acquired", tracer.Duration("wait", 250*time.Millisecond))
	span.End(nil)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, tracer.SpanIdempotencyPreCheck, got.Name())
	assert.Equal(t, codes.Unset, got.Status().Code)
	assert.Contains(t, got.Attributes(), attribute.String(tracer.AttrScope, "instruction.issue"))
	assert.Contains(t, got.Attributes(), attribute.Int64(tracer.AttrRetryCount, 1))
	assert.Contains(t, got.Attributes(), attribute.String(tracer.AttrDecision, "proceed"))
	require.Len(t, got.Events(), 1)
	assert.Contains(t, got.Events()[0].Attributes, attribute.Int64("wait", 250))
}

func TestSpanEndedWithErrorIsFailed(t *testing.T) {
	tr, rec := recording(t)

	_, span := tr.Start(context.Background(), tracer.SpanOutboxDispatch)
	span.End(errors.New("handler timed out"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "handler timed out", ended[0].Status().Description)
}

func TestNoop(t *testing.T) {
	_, span := tracer.NewNoop().Start(context.Background(), tracer.SpanOutboxTick, tracer.Int(tracer.AttrClaimed, 3))
	require.NotNil(t, span)
	span.End(errors.New("ignored"))
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := tracer.Setup(context.Background(), "", "courier")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
