package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/actions"
	"github.com/rendis/convo/internal/channel"
	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/lock"
	"github.com/rendis/convo/internal/nodes"
	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// memStore is an in-memory Store. It deliberately does not enforce the
// one-active-run rule so tests exercise the engine's own check.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]*store.Run
	graphs  map[string]*schema.Graph
	updates int
}

func newMemStore() *memStore {
	return &memStore{runs: map[string]*store.Run{}, graphs: map[string]*schema.Graph{}}
}

func (m *memStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s exists", run.ID)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	return run.Clone(), nil
}

func (m *memStore) UpdateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", run.ID)
	}
	m.runs[run.ID] = run.Clone()
	m.updates++
	return nil
}

func (m *memStore) FindActive(_ context.Context, conv store.Conversation) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.Conversation == conv && run.Status.IsActive() {
			return run.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListExpired(_ context.Context, now time.Time) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, run := range m.runs {
		if run.Status.IsActive() && !now.Before(run.ExpiresAt) {
			out = append(out, run.Clone())
		}
	}
	return out, nil
}

func (m *memStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.Clone())
	}
	return out, nil
}

func (m *memStore) SaveGraph(_ context.Context, g *schema.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[g.ID] = g
	return nil
}

func (m *memStore) GetGraph(_ context.Context, id string) (*schema.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %q not found", id)
	}
	return g, nil
}

func (m *memStore) ListGraphs(context.Context) ([]*store.GraphInfo, error) {
	return nil, nil
}

func (m *memStore) run(t *testing.T, id string) *store.Run {
	t.Helper()
	run, err := m.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

// eventRecorder is a Publisher that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []streaming.LifecycleEvent
}

func (r *eventRecorder) Publish(_ context.Context, e streaming.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) all() []streaming.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]streaming.LifecycleEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) types(runID string) []string {
	var out []string
	for _, e := range r.all() {
		if e.RunID == runID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *eventRecorder) last(runID, eventType string) (streaming.LifecycleEvent, bool) {
	events := r.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].RunID == runID && events[i].Type == eventType {
			return events[i], true
		}
	}
	return streaming.LifecycleEvent{}, false
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []channel.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, m channel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return s.err
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		out = append(out, m.Text)
	}
	return out
}

// fnAction adapts a function to actions.Action.
type fnAction struct {
	name string
	fn   func(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error)
}

func (a *fnAction) Name() string                  { return a.name }
func (a *fnAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (a *fnAction) Validate(map[string]any) error { return nil }
func (a *fnAction) Execute(ctx context.Context, in actions.ActionInput) (*actions.ActionOutput, error) {
	return a.fn(ctx, in)
}

type fixture struct {
	engine *Engine
	store  *memStore
	mutex  *lock.MemoryMutex
	sender *recordingSender
	events *eventRecorder
}

func newFixture(t *testing.T, cfg Config, acts ...actions.Action) *fixture {
	t.Helper()
	conds, err := expressions.NewConditions()
	require.NoError(t, err)

	areg := actions.NewRegistry()
	for _, a := range acts {
		require.NoError(t, areg.Register(a))
	}
	reg := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(reg, nodes.Deps{
		Conditions: conds,
		JQ:         expressions.NewGoJQEngine(),
		Invoker:    actions.NewInvoker(areg, nil, nil),
	}))

	f := &fixture{
		store:  newMemStore(),
		mutex:  lock.NewMemoryMutex(),
		sender: &recordingSender{},
		events: &eventRecorder{},
	}
	f.engine, err = New(Deps{
		Store:      f.store,
		Mutex:      f.mutex,
		Dispatcher: nodes.NewEffectDispatcher(reg, f.sender, nil),
		Publisher:  f.events,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) save(t *testing.T, g *schema.Graph) {
	t.Helper()
	require.NoError(t, f.store.SaveGraph(context.Background(), g))
}

func (f *fixture) context(t *testing.T, runID string) *state.Context {
	t.Helper()
	st, err := state.Decode(f.store.run(t, runID).Context)
	require.NoError(t, err)
	return st
}

var testConv = store.Conversation{TenantID: "acme", Channel: "whatsapp", ContactID: "+5491100000000"}

func graph(id string, ns []schema.Node, es []schema.Edge) *schema.Graph {
	return &schema.Graph{ID: id, Name: id, Version: "1", Nodes: ns, Edges: es}
}

func node(id string, kind schema.NodeKind, cfg string) schema.Node {
	n := schema.Node{ID: id, Kind: kind}
	if cfg != "" {
		n.Config = json.RawMessage(cfg)
	}
	return n
}

func edge(src, dst string, label ...string) schema.Edge {
	e := schema.Edge{Source: src, Target: dst}
	if len(label) > 0 {
		e.Label = label[0]
	}
	return e
}
