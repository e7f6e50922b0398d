// Package state holds the mutable per-run context that every node handler
// reads and writes, including the engine-private loop bookkeeping.
package state

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rendis/convo/pkg/schema"
)

// ReservedPrefix marks engine-private keys inside Variables.
const ReservedPrefix = "__"

// Reserved variable keys.
const (
	KeyLoopStack     = "__loop_stack"
	KeyAwaitingReply = "__awaiting_reply"
)

// Namespace names addressable from templates and expressions.
const (
	NSGlobals   = "globals"
	NSInput     = "input"
	NSOutput    = "output"
	NSVariables = "variables"
)

// Context is the per-run state passed to every node. It is mutated in place
// by handlers and the orchestrator and is never shared across runs.
type Context struct {
	Globals   map[string]any `json:"globals"`
	Input     map[string]any `json:"input"`
	Output    map[string]any `json:"output"`
	Variables map[string]any `json:"variables"`
}

// New seeds a fresh context. Globals and seed are deep-copied.
func New(globals, seed map[string]any) *Context {
	c := &Context{
		Globals:   deepCopyMap(globals),
		Input:     deepCopyMap(seed),
		Output:    map[string]any{},
		Variables: map[string]any{},
	}
	c.ensure()
	return c
}

// Decode restores a context from its persisted JSON form.
func Decode(raw json.RawMessage) (*Context, error) {
	c := &Context{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode run context").WithCause(err)
		}
	}
	c.ensure()
	return c, nil
}

// Encode serializes the context for persistence.
func (c *Context) Encode() (json.RawMessage, error) {
	c.ensure()
	b, err := json.Marshal(c)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode run context").WithCause(err)
	}
	return b, nil
}

func (c *Context) ensure() {
	if c.Globals == nil {
		c.Globals = map[string]any{}
	}
	if c.Input == nil {
		c.Input = map[string]any{}
	}
	if c.Output == nil {
		c.Output = map[string]any{}
	}
	if c.Variables == nil {
		c.Variables = map[string]any{}
	}
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	c.ensure()
	return &Context{
		Globals:   deepCopyMap(c.Globals),
		Input:     deepCopyMap(c.Input),
		Output:    deepCopyMap(c.Output),
		Variables: deepCopyMap(c.Variables),
	}
}

// MergeInput shallow-merges external input (an inbound reply, a timer payload)
// into the input namespace.
func (c *Context) MergeInput(in map[string]any) {
	c.ensure()
	for k, v := range in {
		c.Input[k] = deepCopyAny(v)
	}
}

// MergeOutput shallow-merges a node's output into the output namespace.
// A nil value removes the key.
func (c *Context) MergeOutput(out map[string]any) {
	c.ensure()
	for k, v := range out {
		if v == nil {
			delete(c.Output, k)
			continue
		}
		c.Output[k] = v
	}
}

// PublicVariables returns the variables without reserved keys.
func (c *Context) PublicVariables() map[string]any {
	c.ensure()
	out := make(map[string]any, len(c.Variables))
	for k, v := range c.Variables {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Namespaces exposes the four namespaces as one map for expression engines.
// Reserved variables are hidden.
func (c *Context) Namespaces() map[string]any {
	c.ensure()
	return map[string]any{
		NSGlobals:   c.Globals,
		NSInput:     c.Input,
		NSOutput:    c.Output,
		NSVariables: c.PublicVariables(),
	}
}

// Lookup resolves a dotted path such as "variables.user.name" or
// "input.items.0". The second result is false when any segment is missing
// or the value is nil.
func (c *Context) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	ns, rest, _ := strings.Cut(path, ".")
	root, ok := c.Namespaces()[ns]
	if !ok {
		return nil, false
	}
	if rest == "" {
		return root, root != nil
	}
	return Traverse(root, rest)
}

// Traverse walks a dotted path through nested maps and slices.
func Traverse(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// SetVariable writes a user variable. Dotted names create nested maps.
// Reserved names are rejected.
func (c *Context) SetVariable(name string, value any) error {
	c.ensure()
	name = strings.TrimPrefix(strings.TrimSpace(name), NSVariables+".")
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable name is empty")
	}
	if IsReserved(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "variable %q uses the reserved prefix %q", name, ReservedPrefix)
	}

	segments := strings.Split(name, ".")
	target := c.Variables
	for _, seg := range segments[:len(segments)-1] {
		next, ok := target[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[seg] = next
		}
		target = next
	}
	target[segments[len(segments)-1]] = value
	return nil
}

// Variable reads a user variable by (optionally dotted) name.
func (c *Context) Variable(name string) (any, bool) {
	c.ensure()
	name = strings.TrimPrefix(strings.TrimSpace(name), NSVariables+".")
	return Traverse(c.Variables, name)
}

// AwaitingReply returns the id of the wait_reply node the run is parked on.
func (c *Context) AwaitingReply() string {
	c.ensure()
	v, _ := c.Variables[KeyAwaitingReply].(string)
	return v
}

// SetAwaitingReply records the wait_reply node the run is parked on.
func (c *Context) SetAwaitingReply(nodeID string) {
	c.ensure()
	c.Variables[KeyAwaitingReply] = nodeID
}

// ClearAwaitingReply removes the wait marker.
func (c *Context) ClearAwaitingReply() {
	c.ensure()
	delete(c.Variables, KeyAwaitingReply)
}

// IsReserved reports whether a variable name is engine-private.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}
