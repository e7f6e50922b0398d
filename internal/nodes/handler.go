// Package nodes implements the per-kind node handlers and the effect
// dispatcher the orchestrator drives them through. Handlers compute a
// StepResult from the node, its outgoing edges and the run context; only the
// orchestrator moves the pointer.
package nodes

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/convo/internal/state"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// Input is everything a handler sees for one dispatch.
type Input struct {
	Node         schema.Node
	Edges        []schema.Edge // outgoing edges of Node, in graph order
	State        *state.Context
	RunID        string
	GraphID      string
	Conversation store.Conversation
}

// StepResult is the handler to orchestrator contract. An empty NextNodeID
// means no next node. Fault is the hard-failure channel; action handlers
// never set it.
type StepResult struct {
	NextNodeID     string
	Suspend        bool
	SuspendKind    schema.WaitKind
	SuspendSeconds int
	OnTimeout      string
	TimeoutTarget  string
	Output         map[string]any
	Effect         *Effect
	Fault          error
}

// EffectKind enumerates the side effects a handler may request.
type EffectKind string

const EffectMessage EffectKind = "message"

// Effect is a side effect applied by the dispatcher after the step.
type Effect struct {
	Kind    EffectKind `json:"kind"`
	Text    string     `json:"text,omitempty"`
	Media   string     `json:"media_url,omitempty"`
	Buttons []string   `json:"buttons,omitempty"`
}

// Handler implements one node kind.
type Handler interface {
	Kind() schema.NodeKind
	Handle(ctx context.Context, in *Input) (*StepResult, error)
}

// Registry maps node kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeKind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeKind]Handler)}
}

// Register adds a handler. Registering a kind twice is an error.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Kind() == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler must declare a kind")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Kind()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for kind %q already registered", h.Kind())
	}
	r.handlers[h.Kind()] = h
	return nil
}

// Get returns the handler for kind.
func (r *Registry) Get(kind schema.NodeKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Has reports whether kind has a handler.
func (r *Registry) Has(kind schema.NodeKind) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []schema.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.NodeKind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// decodeConfig unmarshals a node's config block. An absent block yields the zero value.
func decodeConfig[T any](node schema.Node) (T, error) {
	var cfg T
	if len(node.Config) == 0 || string(node.Config) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return cfg, schema.NewErrorf(schema.ErrCodeValidation, "node %s: invalid %s config: %v", node.ID, node.Kind, err).
			WithNode(node.ID).WithCause(err)
	}
	return cfg, nil
}
