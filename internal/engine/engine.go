// Package engine is the orchestrator: it owns run lifecycle, the step-loop
// that advances a run's pointer through its graph, loop frames, suspension
// and the in-process resume timers.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/convo/internal/lock"
	"github.com/rendis/convo/internal/logging"
	"github.com/rendis/convo/internal/nodes"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxSteps         = 100
	DefaultMaxInteractions  = 50
	DefaultRunTTL           = 24 * time.Hour
	DefaultLockTTL          = 30 * time.Second
	DefaultLockWait         = 5 * time.Second
	DefaultTimerLockWait    = 10 * time.Second
	DefaultTimerConcurrency = 16
)

// Config holds the orchestrator limits.
type Config struct {
	MaxSteps         int           // step-loop iterations per invocation
	MaxInteractions  int           // inbound replies before a run is force-completed; negative disables
	RunTTL           time.Duration // lifetime of a run from start
	LockTTL          time.Duration // conversation mutex TTL
	LockWait         time.Duration // how long Start waits for the mutex
	TimerLockWait    time.Duration // how long a timer callback waits for the mutex
	TimerConcurrency int           // concurrent timer callbacks
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxInteractions == 0 {
		c.MaxInteractions = DefaultMaxInteractions
	}
	if c.RunTTL <= 0 {
		c.RunTTL = DefaultRunTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockWait < 0 {
		c.LockWait = 0
	} else if c.LockWait == 0 {
		c.LockWait = DefaultLockWait
	}
	if c.TimerLockWait <= 0 {
		c.TimerLockWait = DefaultTimerLockWait
	}
	if c.TimerConcurrency <= 0 {
		c.TimerConcurrency = DefaultTimerConcurrency
	}
	return c
}

// Store is the persistence the orchestrator needs.
type Store interface {
	store.RunStore
	store.GraphStore
}

// Deps are the orchestrator's collaborators. Publisher and Logger are optional.
type Deps struct {
	Store      Store
	Mutex      lock.Mutex
	Dispatcher *nodes.EffectDispatcher
	Publisher  streaming.Publisher
	Logger     *slog.Logger
}

// Engine drives runs. All methods are safe for concurrent use; runs of the
// same conversation are serialized by the conversation mutex.
type Engine struct {
	store      Store
	mutex      lock.Mutex
	dispatcher *nodes.EffectDispatcher
	publisher  streaming.Publisher
	logger     *slog.Logger
	fsm        *RunFSM
	timers     *TimerSet
	cfg        Config

	now   func() time.Time
	newID func() string
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Mutex == nil || deps.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine needs a store, a mutex and a dispatcher")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = streaming.NewFanout(deps.Logger)
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		store:      deps.Store,
		mutex:      deps.Mutex,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		logger:     deps.Logger,
		fsm:        NewRunFSM(),
		timers:     NewTimerSet(cfg.TimerConcurrency),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	e.registerHooks()
	return e, nil
}

// registerHooks disarms a run's timer whenever it leaves WAITING or ends.
func (e *Engine) registerHooks() {
	disarm := func(_ context.Context, run *store.Run, _, _ schema.RunStatus) error {
		e.timers.Cancel(run.ID)
		return nil
	}
	for _, from := range []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusWaiting} {
		for _, to := range ValidRunTransitions[from] {
			if to != schema.RunStatusWaiting {
				e.fsm.OnAfter(from, to, disarm)
			}
		}
	}
}

// FSM exposes the run state machine so callers can register hooks.
func (e *Engine) FSM() *RunFSM { return e.fsm }

// Timers exposes the resume timer set.
func (e *Engine) Timers() *TimerSet { return e.timers }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Start creates a run of graphID for conv and drives it until it suspends
// or ends. Step-loop failures end the run in ERROR and are reported on the
// returned run, not as an error.
func (e *Engine) Start(ctx context.Context, graphID string, conv store.Conversation, seed map[string]any) (*store.Run, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	key := lock.ConversationKey(conv)
	token, ok, err := lock.Acquire(ctx, e.mutex, key, e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		return nil, lockedError(conv).WithCause(err)
	}
	if !ok {
		return nil, lockedError(conv)
	}
	defer e.hold(key, token).release()

	active, err := e.store.FindActive(ctx, conv)
	if err != nil {
		return nil, storeError("find active run", err)
	}
	if active != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "conversation %s already has active run %s", conv, active.ID).
			WithDetails(map[string]any{"run_id": active.ID, "status": string(active.Status)})
	}

	g, idx, err := e.loadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}

	st := state.New(g.Globals, seed)
	raw, err := st.Encode()
	if err != nil {
		return nil, err
	}
	now := e.now()
	run := &store.Run{
		ID:           e.newID(),
		GraphID:      g.ID,
		Conversation: conv,
		Pointer:      idx.Entry(),
		Status:       schema.RunStatusRunning,
		Context:      raw,
		StartedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.RunTTL),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
		return nil, storeError("create run", err)
	}

	ctx = runContext(ctx, run)
	e.logger.InfoContext(ctx, "run started", slog.String("graph_id", g.ID), slog.String("pointer", run.Pointer))
	e.publish(ctx, run, schema.EventRunStarted, "", map[string]any{
		"graph_version": g.Version,
		"entry":         run.Pointer,
	})

	if err := e.drive(ctx, run, idx, st); err != nil {
		return run.Clone(), err
	}
	return run.Clone(), nil
}

// Resume delivers an inbound reply to a run WAITING on a reply and drives it.
// A run waiting on a timer only moves when the timer fires. It makes a single
// attempt at the conversation mutex.
func (e *Engine) Resume(ctx context.Context, runID string, input map[string]any) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, passNotFound(err, "get run")
	}
	key := lock.ConversationKey(run.Conversation)
	token, ok, err := e.mutex.TryAcquire(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return nil, lockedError(run.Conversation).WithCause(err)
	}
	if !ok {
		return nil, lockedError(run.Conversation)
	}
	defer e.hold(key, token).release()

	// Reload under the lock: the run may have moved since the first read.
	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, passNotFound(err, "get run")
	}
	ctx = runContext(ctx, run)

	if run.Status != schema.RunStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s, nothing to resume", run.ID, run.Status).
			WithDetails(map[string]any{"run_id": run.ID, "status": string(run.Status)})
	}
	if !e.now().Before(run.ExpiresAt) {
		if err := e.expireLocked(ctx, run); err != nil {
			return nil, err
		}
		return run.Clone(), nil
	}
	if waitKind(run) == schema.WaitKindTimer {
		details := map[string]any{"run_id": run.ID, "status": string(run.Status), "wait_kind": string(schema.WaitKindTimer)}
		if run.Wait.ResumeAt != nil {
			details["resume_at"] = run.Wait.ResumeAt.UTC().Format(time.RFC3339)
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is waiting on a timer, not a reply", run.ID).
			WithDetails(details)
	}

	st, err := state.Decode(run.Context)
	if err != nil {
		return nil, err
	}

	run.InteractionCount++
	if e.cfg.MaxInteractions > 0 && run.InteractionCount >= e.cfg.MaxInteractions {
		e.logger.InfoContext(ctx, "interaction ceiling reached, completing run",
			slog.Int("interactions", run.InteractionCount))
		st.ClearAwaitingReply()
		if err := e.finish(ctx, run, st, schema.RunStatusCompleted, map[string]any{"reason": "interaction_limit"}); err != nil {
			return nil, err
		}
		return run.Clone(), nil
	}

	st.MergeInput(input)
	_, idx, err := e.loadGraph(ctx, run.GraphID)
	if err != nil {
		return e.failLoaded(ctx, run, st, err)
	}
	if err := e.reenter(ctx, run, st, map[string]any{
		"wait_kind":         string(waitKind(run)),
		"interaction_count": run.InteractionCount,
	}); err != nil {
		return nil, err
	}
	if err := e.drive(ctx, run, idx, st); err != nil {
		return run.Clone(), err
	}
	return run.Clone(), nil
}

// Expire moves every active run whose ExpiresAt is at or before now to
// EXPIRED. Runs whose conversation is locked are left for the next sweep.
// It returns how many runs were expired.
func (e *Engine) Expire(ctx context.Context, now time.Time) (int, error) {
	runs, err := e.store.ListExpired(ctx, now)
	if err != nil {
		return 0, storeError("list expired runs", err)
	}
	var (
		expired int
		errs    []error
	)
	for _, run := range runs {
		ok, err := e.expireRun(ctx, run.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

// ExpireRun expires a single run if it is still active and past ExpiresAt.
// It reports whether the run was expired.
func (e *Engine) ExpireRun(ctx context.Context, run *store.Run) (bool, error) {
	return e.expireRun(ctx, run.ID, e.now())
}

func (e *Engine) expireRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, passNotFound(err, "get run")
	}
	key := lock.ConversationKey(run.Conversation)
	token, ok, err := e.mutex.TryAcquire(ctx, key, e.cfg.LockTTL)
	if err != nil {
		return false, lockedError(run.Conversation).WithCause(err)
	}
	if !ok {
		e.logger.DebugContext(ctx, "expiry skipped, conversation locked", slog.String("run_id", runID))
		return false, nil
	}
	defer e.hold(key, token).release()

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		return false, passNotFound(err, "get run")
	}
	if !run.Status.IsActive() || now.Before(run.ExpiresAt) {
		return false, nil
	}
	if err := e.expireLocked(runContext(ctx, run), run); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) expireLocked(ctx context.Context, run *store.Run) error {
	st, err := state.Decode(run.Context)
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run expired", slog.Time("expires_at", run.ExpiresAt))
	return e.finish(ctx, run, st, schema.RunStatusExpired, nil)
}

// Status returns the persisted run.
func (e *Engine) Status(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, passNotFound(err, "get run")
	}
	return run, nil
}

// RestoreTimers re-arms the resume timers of persisted WAITING runs, for a
// process that starts after runs were suspended elsewhere. Overdue timers
// fire immediately. Returns the number of timers armed.
func (e *Engine) RestoreTimers(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatusWaiting})
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "list waiting runs").WithCause(err)
	}
	armed := 0
	for _, run := range runs {
		if run.Wait == nil || run.Wait.ResumeAt == nil {
			continue
		}
		e.armTimer(runContext(ctx, run), run)
		armed++
	}
	return armed, nil
}

// Shutdown disarms all pending timers and waits for running timer callbacks
// until ctx is done. Disarmed WAITING runs are left to the expiry sweep.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.timers.Stop(ctx)
}

// loadGraph fetches and indexes a graph.
func (e *Engine) loadGraph(ctx context.Context, graphID string) (*schema.Graph, *GraphIndex, error) {
	g, err := e.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, nil, passNotFound(err, "get graph")
	}
	idx, err := IndexGraph(g)
	if err != nil {
		return nil, nil, err
	}
	return g, idx, nil
}

// failLoaded ends a WAITING run whose graph can no longer be executed.
// Transient store errors are returned without touching the run.
func (e *Engine) failLoaded(ctx context.Context, run *store.Run, st *state.Context, cause error) (*store.Run, error) {
	if !schema.IsCode(cause, schema.ErrCodeGraph) && !schema.IsCode(cause, schema.ErrCodeNotFound) {
		return nil, cause
	}
	if err := e.fail(ctx, run, st, cause); err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

// reenter moves a WAITING run back to RUNNING and publishes run.resumed.
func (e *Engine) reenter(ctx context.Context, run *store.Run, st *state.Context, payload map[string]any) error {
	if err := e.fsm.Transition(ctx, run, schema.RunStatusRunning); err != nil {
		return err
	}
	run.Wait = nil
	if err := e.persist(ctx, run, st); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run resumed", slog.String("pointer", run.Pointer))
	e.publish(ctx, run, schema.EventRunResumed, "", payload)
	return nil
}

// lease is a held conversation lock. A heartbeat extends it every third of
// LockTTL until release, so a step-loop that outlives LockTTL keeps it.
type lease struct {
	e     *Engine
	key   string
	token string
	stop  chan struct{}
	done  chan struct{}
}

func (e *Engine) hold(key, token string) *lease {
	l := &lease{e: e, key: key, token: token, stop: make(chan struct{}), done: make(chan struct{})}
	go l.heartbeat(max(e.cfg.LockTTL/3, time.Millisecond))
	return l
}

func (l *lease) heartbeat(every time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := l.e.mutex.Extend(ctx, l.key, l.token, l.e.cfg.LockTTL)
		cancel()
		switch {
		case err != nil:
			l.e.logger.Warn("extend conversation lock", slog.String("key", l.key), slog.String("error", err.Error()))
		case !ok:
			l.e.logger.Warn("conversation lock lost", slog.String("key", l.key))
			return
		}
	}
}

// release stops the heartbeat and frees the lock if this lease still owns it.
func (l *lease) release() {
	close(l.stop)
	<-l.done
	// A fresh context: the caller's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.e.mutex.Release(ctx, l.key, l.token); err != nil {
		l.e.logger.Warn("release conversation lock", slog.String("key", l.key), slog.String("error", err.Error()))
	}
}

// publish emits a lifecycle event. Failures never reach the step-loop.
func (e *Engine) publish(ctx context.Context, run *store.Run, eventType, nodeID string, payload map[string]any) {
	err := e.publisher.Publish(ctx, streaming.LifecycleEvent{
		Type:         eventType,
		RunID:        run.ID,
		GraphID:      run.GraphID,
		Conversation: run.Conversation,
		Pointer:      run.Pointer,
		NodeID:       nodeID,
		Payload:      payload,
		Timestamp:    e.now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "publish lifecycle event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func runContext(ctx context.Context, run *store.Run) context.Context {
	ctx = logging.WithRunID(ctx, run.ID)
	return logging.WithConversation(ctx, run.Conversation.String())
}

func waitKind(run *store.Run) schema.WaitKind {
	if run.Wait == nil {
		return ""
	}
	return run.Wait.Kind
}

func lockedError(conv store.Conversation) *schema.ConvoError {
	return schema.NewErrorf(schema.ErrCodeLocked, "conversation %s is locked", conv).
		WithDetails(map[string]any{"conversation": conv.String()})
}

func storeError(op string, err error) *schema.ConvoError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// passNotFound keeps NOT_FOUND errors as they are and wraps the rest.
func passNotFound(err error, op string) error {
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}
	return storeError(op, err)
}
