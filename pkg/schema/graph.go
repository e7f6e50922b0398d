package schema

import "encoding/json"

// Graph is the JSON-serializable graph document a run executes.
// It is immutable for the lifetime of a run once loaded.
type Graph struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Version  string         `json:"version,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Globals  map[string]any `json:"globals,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is a typed vertex. Config is decoded by the handler registered for Kind.
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two nodes. An empty Label marks the unconditional edge.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// NodeKind enumerates the node kinds understood by the built-in handlers.
type NodeKind string

const (
	KindTrigger NodeKind = "trigger"
	KindEnd     NodeKind = "end"

	KindBranch NodeKind = "branch"
	KindSwitch NodeKind = "switch"
	KindLoop   NodeKind = "loop"

	KindWaitTimer NodeKind = "wait_timer"
	KindWaitReply NodeKind = "wait_reply"

	KindSetVariable NodeKind = "set_variable"
	KindTransform   NodeKind = "transform"
	KindSendMessage NodeKind = "send_message"
	KindHTTPRequest NodeKind = "http_request"
	KindScript      NodeKind = "script"
	KindMCPCall     NodeKind = "mcp_call"
	KindAction      NodeKind = "action"
)

// Well-known edge labels.
const (
	LabelTrue    = "true"
	LabelFalse   = "false"
	LabelDefault = "default"
	LabelBody    = "body"
	LabelDone    = "done"
	LabelTimeout = "timeout"
)

// Condition languages accepted by branch and switch nodes.
const (
	LanguageDefault = ""
	LanguageCEL     = "cel"
	LanguageExpr    = "expr"
)

// BranchConfig is the config block for branch nodes.
type BranchConfig struct {
	Condition string `json:"condition"`
	Language  string `json:"language,omitempty"`
}

// SwitchCase is one ordered case of a switch node.
type SwitchCase struct {
	Label     string `json:"label"`
	Condition string `json:"condition"`
}

// SwitchConfig is the config block for switch nodes. Either Value (a template
// whose interpolated result is matched against edge labels) or Cases is set.
type SwitchConfig struct {
	Value    string       `json:"value,omitempty"`
	Cases    []SwitchCase `json:"cases,omitempty"`
	Language string       `json:"language,omitempty"`
}

// LoopConfig is the config block for loop nodes. Items is either a context
// path (optionally wrapped in {{ }}) or an inline array.
type LoopConfig struct {
	Items    any    `json:"items"`
	ItemVar  string `json:"item_var,omitempty"`  // default: item
	IndexVar string `json:"index_var,omitempty"` // default: index
	MaxItems int    `json:"max_items,omitempty"`
}

// WaitTimerConfig is the config block for wait_timer nodes.
type WaitTimerConfig struct {
	Seconds  int    `json:"seconds,omitempty"`
	Duration string `json:"duration,omitempty"` // e.g. "90s", overrides Seconds
}

// WaitReplyConfig is the config block for wait_reply nodes.
type WaitReplyConfig struct {
	Variable       string            `json:"variable"`
	ReplyField     string            `json:"reply_field,omitempty"` // default: text
	Mapping        map[string]string `json:"mapping,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	OnTimeout      string            `json:"on_timeout,omitempty"` // terminate | goto
	TimeoutTarget  string            `json:"timeout_target,omitempty"`
}

// SetVariableConfig is the config block for set_variable nodes.
type SetVariableConfig struct {
	Name       string `json:"name"`
	Value      any    `json:"value,omitempty"`
	Mode       string `json:"mode,omitempty"` // set | append | increment
	Expression string `json:"expression,omitempty"`
}

// TransformConfig is the config block for transform (jq) nodes.
type TransformConfig struct {
	Query  string `json:"query"`
	Target string `json:"target"`
}

// SendMessageConfig is the config block for send_message nodes.
type SendMessageConfig struct {
	Text     string   `json:"text,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
	Buttons  []string `json:"buttons,omitempty"`
}

// ActionConfig is the config block for nodes that call a registered action.
type ActionConfig struct {
	Action    string         `json:"action,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	ResultVar string         `json:"result_var,omitempty"`
	Timeout   string         `json:"timeout,omitempty"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for an action call.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"` // none | linear | exponential | constant
	Delay    string `json:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}
