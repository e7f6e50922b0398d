package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// Overlay maps node ids to their runtime state.
type Overlay map[string]*StatusOverlay

// Build constructs a DiagramModel from a graph and an optional overlay.
// Levels are breadth-first distances from the trigger; nodes the trigger
// cannot reach form a final level.
func Build(g *schema.Graph, overlay Overlay) (*DiagramModel, error) {
	if g == nil {
		return nil, fmt.Errorf("diagram: graph is nil")
	}

	model := &DiagramModel{Title: title(g)}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Kind)}
		if overlay != nil {
			node.Status = overlay[n.ID]
		}
		model.Nodes = append(model.Nodes, node)
	}

	for _, e := range g.Edges {
		model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: e.Label})
	}
	model.Edges = append(model.Edges, timeoutEdges(g)...)
	model.Levels = buildLevels(g, model.Edges)
	return model, nil
}

// BuildOverlay derives node states from a run and its event log: every
// executed node is visited, nodes whose execution reported an error are
// failed and the pointer of an active run is current.
func BuildOverlay(run *store.Run, events []*store.Event) Overlay {
	overlay := make(Overlay)
	for _, ev := range events {
		if ev.Type != schema.EventNodeExecuted || ev.NodeID == "" {
			continue
		}
		st, ok := overlay[ev.NodeID]
		if !ok {
			st = &StatusOverlay{Status: StatusVisited}
			overlay[ev.NodeID] = st
		}
		st.Visits++
		var payload struct {
			Error string `json:"error"`
		}
		if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &payload) == nil && payload.Error != "" {
			st.Status = StatusFailed
			st.Error = payload.Error
		}
	}

	if run == nil || run.Pointer == "" {
		return overlay
	}
	switch run.Status {
	case schema.RunStatusWaiting, schema.RunStatusRunning:
		st, ok := overlay[run.Pointer]
		if !ok {
			st = &StatusOverlay{}
			overlay[run.Pointer] = st
		}
		st.Status = StatusCurrent
	case schema.RunStatusError:
		st, ok := overlay[run.Pointer]
		if !ok {
			st = &StatusOverlay{}
			overlay[run.Pointer] = st
		}
		st.Status = StatusFailed
		st.Error = run.Error
	}
	return overlay
}

// kindOf maps a graph node kind to the shape it is drawn with.
func kindOf(k schema.NodeKind) NodeKind {
	switch k {
	case schema.KindTrigger:
		return NodeKindStart
	case schema.KindEnd:
		return NodeKindEnd
	case schema.KindBranch, schema.KindSwitch:
		return NodeKindDecision
	case schema.KindLoop:
		return NodeKindLoop
	case schema.KindWaitTimer, schema.KindWaitReply:
		return NodeKindWait
	case schema.KindSendMessage:
		return NodeKindMessage
	case schema.KindSetVariable, schema.KindTransform:
		return NodeKindData
	default:
		return NodeKindAction
	}
}

// nodeLabel is the node name (or id) followed by its kind, with the action
// name for action nodes.
func nodeLabel(n *schema.Node) string {
	name := n.ID
	if n.Name != "" {
		name = n.Name
	}
	detail := string(n.Kind)
	if n.Kind == schema.KindAction {
		var cfg struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(n.Config, &cfg) == nil && cfg.Action != "" {
			detail = cfg.Action
		}
	}
	return fmt.Sprintf("%s\n(%s)", name, detail)
}

// timeoutEdges returns the goto jumps of wait_reply timeouts.
func timeoutEdges(g *schema.Graph) []Edge {
	var edges []Edge
	for _, n := range g.Nodes {
		if n.Kind != schema.KindWaitReply || len(n.Config) == 0 {
			continue
		}
		var cfg schema.WaitReplyConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			continue
		}
		if cfg.OnTimeout == schema.OnTimeoutGoto && cfg.TimeoutTarget != "" {
			edges = append(edges, Edge{From: n.ID, To: cfg.TimeoutTarget, Label: "timeout", Implicit: true})
		}
	}
	return edges
}

// buildLevels groups node ids by breadth-first distance from the trigger.
func buildLevels(g *schema.Graph, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	known := make(map[string]bool, len(g.Nodes))
	var start string
	for _, n := range g.Nodes {
		known[n.ID] = true
		if n.Kind == schema.KindTrigger && start == "" {
			start = n.ID
		}
	}

	var levels [][]string
	seen := make(map[string]bool)
	if start != "" {
		frontier := []string{start}
		seen[start] = true
		for len(frontier) > 0 {
			levels = append(levels, frontier)
			var next []string
			for _, id := range frontier {
				for _, to := range adj[id] {
					if known[to] && !seen[to] {
						seen[to] = true
						next = append(next, to)
					}
				}
			}
			frontier = next
		}
	}

	var rest []string
	for _, n := range g.Nodes {
		if !seen[n.ID] {
			rest = append(rest, n.ID)
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return levels
}

// title uses the graph name, then its id.
func title(g *schema.Graph) string {
	if g.Name != "" {
		return g.Name
	}
	return g.ID
}
