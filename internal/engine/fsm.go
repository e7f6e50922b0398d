package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// TransitionHook is called before or after a run status transition. A before
// hook that returns an error vetoes the transition.
type TransitionHook func(ctx context.Context, run *store.Run, from, to schema.RunStatus) error

type transitionKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions against ValidRunTransitions and
// runs the hooks registered for each edge. It only changes run.Status; the
// caller persists the run and publishes the lifecycle event.
type RunFSM struct {
	mu     sync.RWMutex
	before map[transitionKey][]TransitionHook
	after  map[transitionKey][]TransitionHook
}

// NewRunFSM creates an FSM with no hooks.
func NewRunFSM() *RunFSM {
	return &RunFSM{
		before: make(map[transitionKey][]TransitionHook),
		after:  make(map[transitionKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition. Errors from after
// hooks are returned but the status change stands.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves run to status to.
func (f *RunFSM) Transition(ctx context.Context, run *store.Run, to schema.RunStatus) error {
	from := run.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	key := transitionKey{from, to}
	f.mu.RLock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, run, from, to); err != nil {
			return err
		}
	}

	run.Status = to

	for _, hook := range after {
		if err := hook(ctx, run, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is in the transition table.
func IsValidTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

// TransitionEvent returns the lifecycle event published for from -> to.
func TransitionEvent(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusWaiting {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusWaiting:
		return schema.EventRunWaiting
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusError:
		return schema.EventRunError
	case schema.RunStatusExpired:
		return schema.EventRunExpired
	}
	return ""
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning:   {schema.RunStatusWaiting, schema.RunStatusCompleted, schema.RunStatusError, schema.RunStatusExpired},
	schema.RunStatusWaiting:   {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusError, schema.RunStatusExpired},
	schema.RunStatusCompleted: {},
	schema.RunStatusExpired:   {},
	schema.RunStatusError:     {},
}
