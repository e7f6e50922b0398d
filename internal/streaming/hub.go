// Package streaming fans lifecycle events out to subscribers, the event log
// and telemetry. Publishing is fire-and-forget from the orchestrator's view.
package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/convo/internal/store"
)

// LifecycleEvent is emitted by the orchestrator on every run transition and
// after every executed node.
type LifecycleEvent struct {
	Type         string             `json:"event_type"`
	RunID        string             `json:"run_id"`
	GraphID      string             `json:"graph_id"`
	Conversation store.Conversation `json:"conversation"`
	Pointer      string             `json:"pointer,omitempty"`
	NodeID       string             `json:"node_id,omitempty"`
	Payload      map[string]any     `json:"payload,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID        string              `json:"run_id,omitempty"`
	Conversation *store.Conversation `json:"conversation,omitempty"`
	EventTypes   []string            `json:"event_types,omitempty"`
}

// Publisher accepts lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// EventHub is a Publisher that also supports live subscriptions.
type EventHub interface {
	Publisher
	Subscribe(ctx context.Context, filter EventFilter) (<-chan LifecycleEvent, func(), error)
}

// Fanout forwards each event to every publisher. A failing publisher is
// logged and never stops delivery to the rest.
type Fanout struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewFanout creates a Fanout over the given publishers.
func NewFanout(logger *slog.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{publishers: publishers, logger: logger}
}

// Add appends a publisher. Not safe for use once publishing has started.
func (f *Fanout) Add(p Publisher) {
	f.publishers = append(f.publishers, p)
}

// Publish always returns nil.
func (f *Fanout) Publish(ctx context.Context, event LifecycleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			f.logger.WarnContext(ctx, "publish lifecycle event",
				slog.String("event_type", event.Type),
				slog.String("run_id", event.RunID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
