package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

type sent struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	sent []sent
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{sessionID, method, params})
	return nil
}

func TestRunNotifier_ForwardsRunEventsToWatcher(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "session-1")
	n := &RunNotifier{sender: sender, sessions: sessions}
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, streaming.LifecycleEvent{Type: schema.EventNodeExecuted, RunID: "run-1", NodeID: "ask"}))
	require.NoError(t, n.Publish(ctx, streaming.LifecycleEvent{Type: schema.EventRunWaiting, RunID: "run-1", Pointer: "ask"}))
	require.NoError(t, n.Publish(ctx, streaming.LifecycleEvent{Type: schema.EventRunWaiting, RunID: "run-2"}))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "session-1", sender.sent[0].sessionID)
	assert.Equal(t, "notifications/message", sender.sent[0].method)
	assert.Equal(t, schema.EventRunWaiting, sender.sent[0].params["event_type"])
	assert.Equal(t, "ask", sender.sent[0].params["pointer"])

	require.NoError(t, n.Publish(ctx, streaming.LifecycleEvent{Type: schema.EventRunCompleted, RunID: "run-1"}))
	require.Len(t, sender.sent, 2)
	_, watched := sessions.SessionFor("run-1")
	assert.False(t, watched, "finished runs are forgotten")
}

func TestRunNotifier_DropsVanishedSessions(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "gone")
	sessions.Register("run-2", "gone")
	n := &RunNotifier{sender: &fakeSender{err: server.ErrSessionNotFound}, sessions: sessions}

	assert.NoError(t, n.Publish(context.Background(), streaming.LifecycleEvent{Type: schema.EventRunResumed, RunID: "run-1"}))
	_, ok := sessions.SessionFor("run-2")
	assert.False(t, ok)

	sessions.Register("run-3", "flaky")
	n.sender = &fakeSender{err: errors.New("broken pipe")}
	assert.Error(t, n.Publish(context.Background(), streaming.LifecycleEvent{Type: schema.EventRunResumed, RunID: "run-3"}))
}
