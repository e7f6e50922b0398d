// Package telemetry translates lifecycle events into OpenTelemetry metrics
// and spans. Both handlers are streaming publishers.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// Payload keys read from lifecycle events.
const (
	PayloadKind       = "kind"
	PayloadDurationMs = "duration_ms"
	PayloadElapsedMs  = "elapsed_ms"
	PayloadError      = "error"
)

// MetricsHandler records counters and histograms for node executions,
// run transitions and failed effects.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeErrors     metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	transitions    metric.Int64Counter
	effectFailures metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("convo.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}
	nodeErr, err := meter.Int64Counter("convo.node.errors",
		metric.WithDescription("Number of node executions whose output carries an error"),
	)
	if err != nil {
		return nil, err
	}
	nodeDur, err := meter.Float64Histogram("convo.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("convo.run.transitions",
		metric.WithDescription("Run lifecycle transitions by event type"),
	)
	if err != nil {
		return nil, err
	}
	effects, err := meter.Int64Counter("convo.effect.failures",
		metric.WithDescription("Number of effects that failed to apply"),
	)
	if err != nil {
		return nil, err
	}
	runDur, err := meter.Float64Histogram("convo.run.duration",
		metric.WithDescription("Wall time from run start to a terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeErrors:     nodeErr,
		nodeDuration:   nodeDur,
		transitions:    transitions,
		effectFailures: effects,
		runDuration:    runDur,
	}, nil
}

// Publish never fails.
func (h *MetricsHandler) Publish(ctx context.Context, e streaming.LifecycleEvent) error {
	switch e.Type {
	case schema.EventNodeExecuted:
		attrs := metric.WithAttributes(
			attribute.String("node_kind", payloadString(e.Payload, PayloadKind)),
			attribute.String("graph_id", e.GraphID),
		)
		h.nodeExecutions.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, payloadMillis(e.Payload, PayloadDurationMs).Seconds(), attrs)
		if _, failed := e.Payload[PayloadError]; failed {
			h.nodeErrors.Add(ctx, 1, attrs)
		}
	case schema.EventEffectFailed:
		h.effectFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("graph_id", e.GraphID)))
	case schema.EventRunStarted, schema.EventRunWaiting, schema.EventRunResumed,
		schema.EventRunCompleted, schema.EventRunError, schema.EventRunExpired:
		attrs := metric.WithAttributes(
			attribute.String("event_type", e.Type),
			attribute.String("graph_id", e.GraphID),
			attribute.String("channel", e.Conversation.Channel),
		)
		h.transitions.Add(ctx, 1, attrs)
		if isTerminal(e.Type) {
			if _, ok := e.Payload[PayloadElapsedMs]; ok {
				h.runDuration.Record(ctx, payloadMillis(e.Payload, PayloadElapsedMs).Seconds(), attrs)
			}
		}
	}
	return nil
}

func isTerminal(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunError, schema.EventRunExpired:
		return true
	}
	return false
}
