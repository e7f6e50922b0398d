package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/pkg/schema"
)

func TestAppendEvent_MonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &Event{RunID: "run-1", NodeID: "n", Type: schema.EventNodeExecuted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}

	// Sequences are per run.
	e := &Event{RunID: "run-2", Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, et := range []string{schema.EventRunStarted, schema.EventNodeExecuted, schema.EventRunCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{
			RunID: "r", Type: et, Payload: json.RawMessage(`{"k":1}`),
		}))
	}

	events, err := s.GetEvents(ctx, "r", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"k":1}`, string(events[0].Payload))

	events, err = s.GetEvents(ctx, "r", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestAppendEvent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{RunID: "busy", Type: schema.EventNodeExecuted, NodeID: "x"}))
		}()
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, "busy", 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestNodeTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", Type: schema.EventRunStarted}))
	for _, n := range []string{"a", "b", "a"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", NodeID: n, Type: schema.EventNodeExecuted}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", Type: schema.EventRunCompleted}))

	trail, err := NodeTrail(ctx, s, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, trail)
}

type gappyEvents struct{ EventStore }

func (gappyEvents) GetEvents(context.Context, string, int64) ([]*Event, error) {
	return []*Event{{Sequence: 1}, {Sequence: 3}}, nil
}

func TestNodeTrail_Gap(t *testing.T) {
	_, err := NodeTrail(context.Background(), gappyEvents{}, "r")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
