package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/convo/pkg/schema"
)

// Registry is the thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

var _ ActionRegistry = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action. Duplicate names are rejected.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// RegisterPrefixed registers actions as "prefix.name". Used for tools
// discovered on MCP servers. Stops at the first duplicate.
func (r *Registry) RegisterPrefixed(prefix string, acts []Action) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "action prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, a := range acts {
		name := prefix + "." + a.Name()
		if _, exists := r.actions[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
		}
		r.actions[name] = &prefixedAction{inner: a, name: name}
		registered++
	}
	return registered, nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// List returns all registered actions sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for name, a := range r.actions {
		infos = append(infos, ActionInfo{Name: name, Description: a.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Has reports whether an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

type prefixedAction struct {
	inner Action
	name  string
}

func (p *prefixedAction) Name() string                         { return p.name }
func (p *prefixedAction) Schema() ActionSchema                 { return p.inner.Schema() }
func (p *prefixedAction) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *prefixedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}
