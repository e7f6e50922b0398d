// Package channel defines the outbound messaging contract used by
// send_message effects, with JSON-lines and webhook implementations.
package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rendis/convo/internal/store"
)

// Message is one outbound message for a conversation.
type Message struct {
	RunID        string             `json:"run_id"`
	NodeID       string             `json:"node_id"`
	Conversation store.Conversation `json:"conversation"`
	Text         string             `json:"text,omitempty"`
	MediaURL     string             `json:"media_url,omitempty"`
	Buttons      []string           `json:"buttons,omitempty"`
	SentAt       time.Time          `json:"sent_at"`
}

// Sender delivers messages to the channel adapter.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// WriterSender writes each message as one JSON line.
type WriterSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSender creates a sender writing to w.
func NewWriterSender(w io.Writer) *WriterSender {
	return &WriterSender{w: w}
}

func (s *WriterSender) Send(_ context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.w).Encode(msg)
}
