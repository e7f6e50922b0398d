package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/convo/internal/store"
)

// EventLogPublisher persists lifecycle events to the store's append-only log.
type EventLogPublisher struct {
	events store.EventStore
}

// NewEventLogPublisher wraps an EventStore.
func NewEventLogPublisher(events store.EventStore) *EventLogPublisher {
	return &EventLogPublisher{events: events}
}

func (p *EventLogPublisher) Publish(ctx context.Context, event LifecycleEvent) error {
	payload := map[string]any{"pointer": event.Pointer}
	for k, v := range event.Payload {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return p.events.AppendEvent(ctx, &store.Event{
		RunID:     event.RunID,
		NodeID:    event.NodeID,
		Type:      event.Type,
		Payload:   raw,
		Timestamp: event.Timestamp,
	})
}
