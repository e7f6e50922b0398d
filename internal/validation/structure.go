package validation

import (
	"fmt"

	"github.com/rendis/convo/internal/engine"
	"github.com/rendis/convo/pkg/schema"
)

// validateStructure checks the graph as a whole: unique node ids, exactly
// one trigger, edge endpoints, and reachability from the trigger.
func validateStructure(g *schema.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]schema.NodeKind, len(g.Nodes))
	var triggers []string
	for i, n := range g.Nodes {
		if _, dup := ids[n.ID]; dup {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeGraph,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		ids[n.ID] = n.Kind
		if n.Kind == schema.KindTrigger {
			triggers = append(triggers, n.ID)
		}
	}
	switch len(triggers) {
	case 0:
		result.AddError("nodes", schema.ErrCodeGraph, "graph has no trigger node")
	case 1:
	default:
		result.AddError("nodes", schema.ErrCodeGraph, fmt.Sprintf("graph has %d trigger nodes %v, expected one", len(triggers), triggers))
	}

	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		srcKind, srcOK := ids[e.Source]
		if !srcOK {
			result.AddError(path+".source", schema.ErrCodeGraph, fmt.Sprintf("references non-existent node %q", e.Source))
		}
		dstKind, dstOK := ids[e.Target]
		if !dstOK {
			result.AddError(path+".target", schema.ErrCodeGraph, fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if dstOK && dstKind == schema.KindTrigger {
			result.AddWarning(path+".target", schema.ErrCodeGraph, "edge leads back into the trigger node")
		}
		if srcOK && srcKind == schema.KindEnd {
			result.AddNodeWarning(e.Source, schema.ErrCodeGraph, "edges leaving an end node are never followed")
		}
	}

	if !result.Valid() {
		return result // reachability needs a well-formed graph
	}

	idx, err := engine.IndexGraph(g)
	if err != nil {
		result.AddError("/", schema.ErrCodeGraph, err.Error())
		return result
	}
	if idx.Entry() == "" {
		result.AddNodeWarning(idx.Trigger, schema.ErrCodeGraph, "trigger node has no outgoing edge, runs complete immediately")
	}
	reachable := make(map[string]bool, len(g.Nodes))
	for _, id := range idx.Reachable(timeoutJumps(g)...) {
		reachable[id] = true
	}
	for _, n := range g.Nodes {
		if !reachable[n.ID] {
			result.AddNodeWarning(n.ID, schema.ErrCodeGraph,
				fmt.Sprintf("node %q is unreachable from the trigger", n.ID))
		}
	}
	return result
}

// timeoutJumps returns the reply-timeout goto targets as implicit edges.
func timeoutJumps(g *schema.Graph) []schema.Edge {
	var out []schema.Edge
	for _, n := range g.Nodes {
		if n.Kind != schema.KindWaitReply {
			continue
		}
		cfg, err := decode[schema.WaitReplyConfig](n)
		if err == nil && cfg.OnTimeout == schema.OnTimeoutGoto && cfg.TimeoutTarget != "" {
			out = append(out, schema.Edge{Source: n.ID, Target: cfg.TimeoutTarget})
		}
	}
	return out
}
