package engine

import (
	"fmt"
	"slices"

	"github.com/rendis/convo/internal/nodes"
	"github.com/rendis/convo/pkg/schema"
)

// GraphIndex is the read-only lookup view of a graph the step-loop walks.
// Built once per load; the graph is never mutated afterwards.
type GraphIndex struct {
	Graph    *schema.Graph
	Nodes    map[string]*schema.Node  // node ID → node
	Outgoing map[string][]schema.Edge // node ID → outgoing edges, graph order
	Incoming map[string][]string      // node ID → source node IDs
	Trigger  string                   // ID of the single trigger node
}

// IndexGraph validates the structural invariants the orchestrator relies on
// and builds the lookup maps. Every edge endpoint must reference an existing
// node and there must be exactly one trigger.
func IndexGraph(g *schema.Graph) (*GraphIndex, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeGraph, "graph is nil")
	}
	if len(g.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "graph %s has no nodes", g.ID)
	}

	idx := &GraphIndex{
		Graph:    g,
		Nodes:    make(map[string]*schema.Node, len(g.Nodes)),
		Outgoing: make(map[string][]schema.Edge, len(g.Nodes)),
		Incoming: make(map[string][]string, len(g.Nodes)),
	}

	var triggers []string
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewError(schema.ErrCodeGraph, fmt.Sprintf("node at index %d has empty ID", i))
		}
		if _, exists := idx.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "duplicate node ID: %s", n.ID)
		}
		idx.Nodes[n.ID] = n
		if n.Kind == schema.KindTrigger {
			triggers = append(triggers, n.ID)
		}
	}

	switch len(triggers) {
	case 0:
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "graph %s has no trigger node", g.ID)
	case 1:
		idx.Trigger = triggers[0]
	default:
		return nil, schema.NewErrorf(schema.ErrCodeGraph, "graph %s has %d trigger nodes", g.ID, len(triggers)).
			WithDetails(map[string]any{"triggers": triggers})
	}

	for i, e := range g.Edges {
		if _, ok := idx.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "edge %d references unknown source node %q", i, e.Source)
		}
		if _, ok := idx.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "edge %d references unknown target node %q", i, e.Target)
		}
		idx.Outgoing[e.Source] = append(idx.Outgoing[e.Source], e)
		idx.Incoming[e.Target] = append(idx.Incoming[e.Target], e.Source)
	}

	return idx, nil
}

// Node returns the node with the given ID.
func (g *GraphIndex) Node(id string) (*schema.Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Edges returns the outgoing edges of id.
func (g *GraphIndex) Edges(id string) []schema.Edge {
	return g.Outgoing[id]
}

// Entry returns the node a new run is positioned at: the target of the
// trigger's unconditional edge, or of its only edge. Empty when the trigger
// has no way out.
func (g *GraphIndex) Entry() string {
	edges := g.Outgoing[g.Trigger]
	for _, e := range edges {
		if e.Label == "" {
			return e.Target
		}
	}
	if len(edges) == 1 {
		return edges[0].Target
	}
	return ""
}

// Labeled returns the target of the edge leaving id with the given label.
func (g *GraphIndex) Labeled(id, label string) (string, bool) {
	return nodes.FindEdge(g.Outgoing[id], label)
}

// Reachable returns the IDs of every node reachable from the trigger,
// sorted. Cycles are expected: loop bodies return to their loop node.
// implicit adds jumps that are not graph edges, such as reply timeout
// targets.
func (g *GraphIndex) Reachable(implicit ...schema.Edge) []string {
	extra := make(map[string][]string, len(implicit))
	for _, e := range implicit {
		extra[e.Source] = append(extra[e.Source], e.Target)
	}
	seen := map[string]bool{g.Trigger: true}
	queue := []string{g.Trigger}
	visit := func(id string) {
		if _, ok := g.Nodes[id]; ok && !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing[id] {
			visit(e.Target)
		}
		for _, target := range extra[id] {
			visit(target)
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
