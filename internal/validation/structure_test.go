package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/pkg/schema"
)

func TestStructure_Valid(t *testing.T) {
	result := validateStructure(survey())
	assert.True(t, result.Valid(), messages(result.Errors))
	assert.Empty(t, result.Warnings, messages(result.Warnings))
}

func TestStructure_Errors(t *testing.T) {
	tests := []struct {
		name  string
		graph *schema.Graph
		want  []string
	}{
		{
			name:  "no trigger",
			graph: &schema.Graph{ID: "g", Nodes: []schema.Node{n("a", schema.KindEnd, "")}},
			want:  []string{"no trigger"},
		},
		{
			name: "two triggers",
			graph: &schema.Graph{ID: "g", Nodes: []schema.Node{
				n("a", schema.KindTrigger, ""), n("b", schema.KindTrigger, ""),
			}},
			want: []string{"2 trigger nodes"},
		},
		{
			name: "duplicate id",
			graph: &schema.Graph{ID: "g", Nodes: []schema.Node{
				n("a", schema.KindTrigger, ""), n("a", schema.KindEnd, ""),
			}},
			want: []string{`duplicate node id "a"`},
		},
		{
			name: "dangling edges",
			graph: &schema.Graph{
				ID:    "g",
				Nodes: []schema.Node{n("a", schema.KindTrigger, "")},
				Edges: []schema.Edge{e("a", "ghost", ""), e("phantom", "a", "")},
			},
			want: []string{`non-existent node "ghost"`, `non-existent node "phantom"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateStructure(tt.graph)
			require.Len(t, result.Errors, len(tt.want), messages(result.Errors))
			for i, want := range tt.want {
				assert.Contains(t, result.Errors[i].Message, want)
				assert.Equal(t, schema.ErrCodeGraph, result.Errors[i].Code)
			}
		})
	}
}

func TestStructure_Warnings(t *testing.T) {
	g := &schema.Graph{
		ID: "g",
		Nodes: []schema.Node{
			n("start", schema.KindTrigger, ""),
			n("hello", schema.KindSendMessage, `{"text":"hi"}`),
			n("end", schema.KindEnd, ""),
			n("island", schema.KindSendMessage, `{"text":"never"}`),
		},
		Edges: []schema.Edge{
			e("start", "hello", ""),
			e("hello", "end", ""),
			e("end", "start", ""),
		},
	}
	result := validateStructure(g)
	require.True(t, result.Valid())

	all := messages(result.Warnings)
	assert.Contains(t, all, "back into the trigger")
	assert.Contains(t, all, "end node are never followed")
	assert.Contains(t, all, `"island" is unreachable`)
	assert.NotContains(t, all, `"hello" is unreachable`)
}

func TestStructure_TriggerWithoutEdges(t *testing.T) {
	g := &schema.Graph{ID: "g", Nodes: []schema.Node{n("start", schema.KindTrigger, "")}}
	result := validateStructure(g)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "start", result.Warnings[0].NodeID)
}

func TestStructure_TimeoutTargetIsReachable(t *testing.T) {
	g := &schema.Graph{
		ID: "g",
		Nodes: []schema.Node{
			n("start", schema.KindTrigger, ""),
			n("ask", schema.KindWaitReply, `{"timeout_seconds":30,"on_timeout":"goto","timeout_target":"bye"}`),
			n("bye", schema.KindSendMessage, `{"text":"bye"}`),
			n("after", schema.KindEnd, ""),
		},
		Edges: []schema.Edge{e("start", "ask", ""), e("bye", "after", "")},
	}
	result := validateStructure(g)
	assert.Empty(t, result.Warnings, messages(result.Warnings))
}
