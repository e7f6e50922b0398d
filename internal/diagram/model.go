// Package diagram renders conversation graphs as Mermaid, ASCII or images,
// optionally overlaid with the progress of one run.
package diagram

// NodeKind classifies a diagram node by the shape it is drawn with.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
	NodeKindDecision NodeKind = "decision"
	NodeKindLoop     NodeKind = "loop"
	NodeKindWait     NodeKind = "wait"
	NodeKindMessage  NodeKind = "message"
	NodeKindData     NodeKind = "data"
	NodeKindAction   NodeKind = "action"
)

// Overlay statuses.
const (
	StatusVisited = "visited"
	StatusCurrent = "current" // the run's pointer while it waits or runs
	StatusFailed  = "failed"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single graph node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status string
	Visits int
	Error  string
}

// Edge represents a transition between two nodes. Implicit edges are jumps
// the engine takes without a graph edge, such as reply timeouts.
type Edge struct {
	From     string
	To       string
	Label    string
	Implicit bool
}
