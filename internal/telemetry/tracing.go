package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// TracingHandler opens one span per run segment, from run.started or
// run.resumed until the run suspends or terminates, and adds a child span
// for every executed node.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.Mutex
	segments map[string]segment
}

type segment struct {
	ctx  context.Context
	span trace.Span
}

// NewTracingHandler creates a handler using tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{tracer: tracer, segments: make(map[string]segment)}
}

// Publish never fails.
func (h *TracingHandler) Publish(_ context.Context, e streaming.LifecycleEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch e.Type {
	case schema.EventRunStarted, schema.EventRunResumed:
		h.openSegment(e, ts)
	case schema.EventNodeExecuted:
		h.nodeSpan(e, ts)
	case schema.EventEffectFailed:
		if seg, ok := h.segment(e.RunID); ok {
			seg.span.AddEvent(e.Type, trace.WithTimestamp(ts), trace.WithAttributes(
				attribute.String("convo.node_id", e.NodeID),
				attribute.String("convo.error", payloadString(e.Payload, PayloadError)),
			))
		}
	case schema.EventRunWaiting, schema.EventRunCompleted, schema.EventRunError, schema.EventRunExpired:
		h.closeSegment(e, ts)
	}
	return nil
}

// ActiveSpanContext returns the span context of the run's open segment.
func (h *TracingHandler) ActiveSpanContext(runID string) trace.SpanContext {
	seg, ok := h.segment(runID)
	if !ok {
		return trace.SpanContext{}
	}
	return seg.span.SpanContext()
}

func (h *TracingHandler) openSegment(e streaming.LifecycleEvent, ts time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.segments[e.RunID]; ok {
		old.span.End(trace.WithTimestamp(ts))
	}
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.GraphID,
		trace.WithTimestamp(ts),
		trace.WithAttributes(
			attribute.String("convo.run_id", e.RunID),
			attribute.String("convo.graph_id", e.GraphID),
			attribute.String("convo.conversation", e.Conversation.String()),
			attribute.String("convo.segment", e.Type),
		),
	)
	h.segments[e.RunID] = segment{ctx: ctx, span: span}
}

func (h *TracingHandler) nodeSpan(e streaming.LifecycleEvent, ts time.Time) {
	parent := context.Background()
	if seg, ok := h.segment(e.RunID); ok {
		parent = seg.ctx
	}
	start := ts.Add(-payloadMillis(e.Payload, PayloadDurationMs))
	_, span := h.tracer.Start(parent, "node:"+e.NodeID,
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("convo.run_id", e.RunID),
			attribute.String("convo.node_id", e.NodeID),
			attribute.String("convo.node_kind", payloadString(e.Payload, PayloadKind)),
			attribute.String("convo.next", e.Pointer),
		),
	)
	if msg := payloadString(e.Payload, PayloadError); msg != "" {
		span.SetStatus(codes.Error, msg)
		span.RecordError(fmt.Errorf("%s", msg), trace.WithTimestamp(ts))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(ts))
}

func (h *TracingHandler) closeSegment(e streaming.LifecycleEvent, ts time.Time) {
	h.mu.Lock()
	seg, ok := h.segments[e.RunID]
	delete(h.segments, e.RunID)
	h.mu.Unlock()
	if !ok {
		return
	}
	seg.span.SetAttributes(attribute.String("convo.outcome", e.Type))
	if e.Type == schema.EventRunError {
		msg := payloadString(e.Payload, PayloadError)
		seg.span.SetStatus(codes.Error, msg)
		seg.span.RecordError(fmt.Errorf("%s", msg), trace.WithTimestamp(ts))
	} else {
		seg.span.SetStatus(codes.Ok, "")
	}
	seg.span.End(trace.WithTimestamp(ts))
}

func (h *TracingHandler) segment(runID string) (segment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seg, ok := h.segments[runID]
	return seg, ok
}

// payloadString reads a string, or the "message" of a map-shaped error.
func payloadString(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case map[string]any:
		msg, _ := v["message"].(string)
		return msg
	}
	return ""
}

func payloadMillis(p map[string]any, key string) time.Duration {
	switch v := p[key].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}
