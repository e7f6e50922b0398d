// Package actions holds the external-call collaborators invoked by action
// nodes: a name-keyed registry, the built-in http.request and script.run
// actions, and an invoker adding timeouts, retries and circuit breaking.
package actions

import (
	"context"
	"encoding/json"
)

// Action is one external call an action node can make.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the input contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is what an action receives. Params are already interpolated.
// Bindings is a read-only snapshot of the run context namespaces.
type ActionInput struct {
	Params   map[string]any `json:"params"`
	Bindings map[string]any `json:"bindings,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
}

// ActionOutput is the result merged into the node output.
type ActionOutput struct {
	Data map[string]any `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
