package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

var conv = store.Conversation{TenantID: "acme", Channel: "sms", ContactID: "1"}

func event(typ, nodeID string, payload map[string]any) streaming.LifecycleEvent {
	return streaming.LifecycleEvent{
		Type: typ, RunID: "run-1", GraphID: "g", Conversation: conv,
		NodeID: nodeID, Payload: payload, Timestamp: time.Now(),
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsHandler(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h, err := NewMetricsHandler(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, event(schema.EventRunStarted, "", nil)))
	require.NoError(t, h.Publish(ctx, event(schema.EventNodeExecuted, "a", map[string]any{
		PayloadKind: "send_message", PayloadDurationMs: int64(12),
	})))
	require.NoError(t, h.Publish(ctx, event(schema.EventNodeExecuted, "b", map[string]any{
		PayloadKind: "http_request", PayloadDurationMs: int64(30),
		PayloadError: map[string]any{"code": "ACTION_FAILED", "message": "boom"},
	})))
	require.NoError(t, h.Publish(ctx, event(schema.EventEffectFailed, "a", nil)))
	require.NoError(t, h.Publish(ctx, event(schema.EventRunCompleted, "", map[string]any{PayloadElapsedMs: int64(900)})))

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["convo.node.executions"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["convo.node.errors"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["convo.effect.failures"]))
	assert.Equal(t, int64(2), sumOf(t, metrics["convo.run.transitions"]))

	hist, ok := metrics["convo.run.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 0.9, hist.DataPoints[0].Sum, 1e-9)
}

func newTracer() (*tracetest.InMemoryExporter, *TracingHandler) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, NewTracingHandler(tp.Tracer("test"))
}

func TestTracingHandler_SegmentWithNodes(t *testing.T) {
	exporter, h := newTracer()
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, event(schema.EventRunStarted, "", nil)))
	sc := h.ActiveSpanContext("run-1")
	require.True(t, sc.IsValid())

	require.NoError(t, h.Publish(ctx, event(schema.EventNodeExecuted, "greet", map[string]any{
		PayloadKind: "send_message", PayloadDurationMs: int64(5),
	})))
	require.NoError(t, h.Publish(ctx, event(schema.EventRunWaiting, "", nil)))
	assert.False(t, h.ActiveSpanContext("run-1").IsValid())

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "node:greet", spans[0].Name)
	assert.Equal(t, sc.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, "run:g", spans[1].Name)
	assert.Equal(t, otelcodes.Ok, spans[1].Status.Code)
}

func TestTracingHandler_ErrorStatus(t *testing.T) {
	exporter, h := newTracer()
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, event(schema.EventRunResumed, "", nil)))
	require.NoError(t, h.Publish(ctx, event(schema.EventNodeExecuted, "call", map[string]any{
		PayloadError: map[string]any{"message": "upstream 500"},
	})))
	require.NoError(t, h.Publish(ctx, event(schema.EventRunError, "", map[string]any{PayloadError: "iteration limit"})))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, otelcodes.Error, spans[0].Status.Code)
	assert.Equal(t, "upstream 500", spans[0].Status.Description)
	assert.Equal(t, otelcodes.Error, spans[1].Status.Code)
	assert.Equal(t, "iteration limit", spans[1].Status.Description)
}

func TestTracingHandler_NodeWithoutSegment(t *testing.T) {
	exporter, h := newTracer()
	require.NoError(t, h.Publish(context.Background(), event(schema.EventNodeExecuted, "x", nil)))
	require.Len(t, exporter.GetSpans(), 1)
	assert.False(t, exporter.GetSpans()[0].Parent.IsValid())
}
