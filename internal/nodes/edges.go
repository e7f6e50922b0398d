package nodes

import (
	"strings"

	"github.com/rendis/convo/pkg/schema"
)

// nextUnconditional returns the target of the unlabeled edge. A node with a
// single outgoing edge follows it whatever its label.
func nextUnconditional(edges []schema.Edge) string {
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

// withoutLabel returns edges minus those labeled label, compared
// case-insensitively.
func withoutLabel(edges []schema.Edge, label string) []schema.Edge {
	kept := make([]schema.Edge, 0, len(edges))
	for _, e := range edges {
		if !strings.EqualFold(strings.TrimSpace(e.Label), label) {
			kept = append(kept, e)
		}
	}
	return kept
}

// nextLabeled returns the target of the edge labeled label, then the
// default edge, then "".
func nextLabeled(edges []schema.Edge, label string) string {
	if t, ok := FindEdge(edges, label); ok {
		return t
	}
	if t, ok := FindEdge(edges, schema.LabelDefault); ok {
		return t
	}
	return ""
}

// FindEdge returns the target of the edge labeled label, matching exactly
// first, then case-insensitively.
func FindEdge(edges []schema.Edge, label string) (string, bool) {
	if label == "" {
		return "", false
	}
	for _, e := range edges {
		if e.Label == label {
			return e.Target, true
		}
	}
	for _, e := range edges {
		if strings.EqualFold(e.Label, label) {
			return e.Target, true
		}
	}
	return "", false
}
