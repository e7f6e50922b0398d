package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

func TestRunFSM_ValidTransitions(t *testing.T) {
	fsm := NewRunFSM()
	ctx := context.Background()
	run := &store.Run{ID: "r-1", Status: schema.RunStatusRunning}

	// running -> waiting -> running -> completed
	require.NoError(t, fsm.Transition(ctx, run, schema.RunStatusWaiting))
	assert.Equal(t, schema.RunStatusWaiting, run.Status)
	require.NoError(t, fsm.Transition(ctx, run, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, run, schema.RunStatusCompleted))
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestRunFSM_TerminalStatesAreFinal(t *testing.T) {
	fsm := NewRunFSM()
	ctx := context.Background()

	for _, terminal := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusExpired, schema.RunStatusError} {
		run := &store.Run{ID: "r-1", Status: terminal}
		err := fsm.Transition(ctx, run, schema.RunStatusRunning)
		require.Error(t, err, terminal)

		var ce *schema.ConvoError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, schema.ErrCodeInvalidTransition, ce.Code)
		assert.Contains(t, ce.Message, string(terminal))
		assert.Equal(t, terminal, run.Status, "status unchanged after a rejected transition")
	}
}

func TestRunFSM_WaitingCannotWaitAgain(t *testing.T) {
	run := &store.Run{Status: schema.RunStatusWaiting}
	err := NewRunFSM().Transition(context.Background(), run, schema.RunStatusWaiting)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestRunFSM_Hooks(t *testing.T) {
	fsm := NewRunFSM()
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusWaiting, func(_ context.Context, r *store.Run, from, to schema.RunStatus) error {
		calls = append(calls, "before:"+string(r.Status))
		return nil
	})
	fsm.OnAfter(schema.RunStatusRunning, schema.RunStatusWaiting, func(_ context.Context, r *store.Run, from, to schema.RunStatus) error {
		calls = append(calls, "after:"+string(r.Status))
		return nil
	})

	run := &store.Run{Status: schema.RunStatusRunning}
	require.NoError(t, fsm.Transition(ctx, run, schema.RunStatusWaiting))
	assert.Equal(t, []string{"before:RUNNING", "after:WAITING"}, calls)

	// Hooks are keyed by edge: a different transition does not fire them.
	calls = nil
	require.NoError(t, fsm.Transition(ctx, run, schema.RunStatusRunning))
	assert.Empty(t, calls)
}

func TestRunFSM_BeforeHookVetoes(t *testing.T) {
	fsm := NewRunFSM()
	veto := errors.New("not now")
	fsm.OnBefore(schema.RunStatusRunning, schema.RunStatusCompleted, func(context.Context, *store.Run, schema.RunStatus, schema.RunStatus) error {
		return veto
	})

	run := &store.Run{Status: schema.RunStatusRunning}
	err := fsm.Transition(context.Background(), run, schema.RunStatusCompleted)
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
}

func TestTransitionEvent(t *testing.T) {
	tests := []struct {
		from, to schema.RunStatus
		want     string
	}{
		{schema.RunStatusWaiting, schema.RunStatusRunning, schema.EventRunResumed},
		{"", schema.RunStatusRunning, schema.EventRunStarted},
		{schema.RunStatusRunning, schema.RunStatusWaiting, schema.EventRunWaiting},
		{schema.RunStatusRunning, schema.RunStatusCompleted, schema.EventRunCompleted},
		{schema.RunStatusWaiting, schema.RunStatusExpired, schema.EventRunExpired},
		{schema.RunStatusRunning, schema.RunStatusError, schema.EventRunError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TransitionEvent(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
