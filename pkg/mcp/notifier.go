package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// sessionSender delivers a notification to one MCP session.
type sessionSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier is a streaming.Publisher that pushes run lifecycle events to
// the session watching the run. Node-level events are not forwarded.
type RunNotifier struct {
	sender   sessionSender
	sessions *SessionRegistry
}

var _ streaming.Publisher = (*RunNotifier)(nil)

// NewRunNotifier creates a notifier over an MCP server's sessions.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *RunNotifier {
	return &RunNotifier{sender: mcpServer, sessions: sessions}
}

// Publish is best-effort: unwatched runs and vanished sessions are skipped.
func (n *RunNotifier) Publish(_ context.Context, event streaming.LifecycleEvent) error {
	if event.Type == schema.EventNodeExecuted {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return nil
	}
	switch event.Type {
	case schema.EventRunCompleted, schema.EventRunError, schema.EventRunExpired:
		n.sessions.Forget(event.RunID)
	}

	payload := map[string]any{
		"event_type": event.Type,
		"run_id":     event.RunID,
		"graph_id":   event.GraphID,
		"pointer":    event.Pointer,
		"timestamp":  event.Timestamp,
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
