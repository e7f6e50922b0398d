package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/pkg/schema"
)

func checker(t *testing.T, lookup ActionLookup) *semanticChecker {
	t.Helper()
	conds, err := expressions.NewConditions()
	require.NoError(t, err)
	return &semanticChecker{actions: lookup, conditions: conds, queries: expressions.NewGoJQEngine()}
}

func single(node schema.Node, edges ...schema.Edge) *schema.Graph {
	return &schema.Graph{
		ID:    "g",
		Nodes: []schema.Node{n("start", schema.KindTrigger, ""), node, n("next", schema.KindEnd, "")},
		Edges: append([]schema.Edge{e("start", node.ID, "")}, edges...),
	}
}

func TestSemantic_Errors(t *testing.T) {
	tests := []struct {
		name  string
		graph *schema.Graph
		code  string
		want  string
	}{
		{
			name:  "condition does not parse",
			graph: single(n("x", schema.KindBranch, `{"condition":"input.text =="}`), e("x", "next", "true"), e("x", "next", "false")),
			code:  schema.ErrCodeExpression,
			want:  "input.text ==",
		},
		{
			name:  "cel condition does not compile",
			graph: single(n("x", schema.KindBranch, `{"condition":"variables.(","language":"cel"}`), e("x", "next", "default")),
			code:  schema.ErrCodeExpression,
			want:  "CEL",
		},
		{
			name: "switch case condition",
			graph: single(n("x", schema.KindSwitch, `{"cases":[{"label":"vip","condition":"1 +"}],"language":"expr"}`),
				e("x", "next", "vip"), e("x", "next", "default")),
			code: schema.ErrCodeExpression,
			want: "expr",
		},
		{
			name:  "loop without body",
			graph: single(n("x", schema.KindLoop, `{"items":[1]}`), e("x", "next", "done")),
			code:  schema.ErrCodeGraph,
			want:  `"body"`,
		},
		{
			name:  "wait_timer duration",
			graph: single(n("x", schema.KindWaitTimer, `{"duration":"99999999999999999999h"}`), e("x", "next", "")),
			code:  schema.ErrCodeValidation,
			want:  "invalid duration",
		},
		{
			name:  "goto without target",
			graph: single(n("x", schema.KindWaitReply, `{"timeout_seconds":5,"on_timeout":"goto"}`), e("x", "next", "")),
			code:  schema.ErrCodeValidation,
			want:  "timeout_target",
		},
		{
			name:  "goto to unknown node",
			graph: single(n("x", schema.KindWaitReply, `{"timeout_seconds":5,"on_timeout":"goto","timeout_target":"nowhere"}`), e("x", "next", "")),
			code:  schema.ErrCodeGraph,
			want:  `"nowhere"`,
		},
		{
			name:  "reserved reply variable",
			graph: single(n("x", schema.KindWaitReply, `{"variable":"__awaiting"}`), e("x", "next", "")),
			code:  schema.ErrCodeValidation,
			want:  "reserved",
		},
		{
			name:  "reserved set_variable name",
			graph: single(n("x", schema.KindSetVariable, `{"name":"variables.__loop","value":1}`), e("x", "next", "")),
			code:  schema.ErrCodeValidation,
			want:  "reserved",
		},
		{
			name:  "set_variable expression",
			graph: single(n("x", schema.KindSetVariable, `{"name":"n","expression":"len("}`), e("x", "next", "")),
			code:  schema.ErrCodeExpression,
			want:  "len(",
		},
		{
			name:  "transform query",
			graph: single(n("x", schema.KindTransform, `{"query":".input |||","target":"out"}`), e("x", "next", "")),
			code:  schema.ErrCodeExpression,
			want:  "jq",
		},
		{
			name:  "unregistered action",
			graph: single(n("x", schema.KindAction, `{"action":"crm.lookup"}`), e("x", "next", "")),
			code:  schema.ErrCodeActionUnavailable,
			want:  `"crm.lookup"`,
		},
		{
			name:  "fixed action kinds resolve their action",
			graph: single(n("x", schema.KindMCPCall, `{"params":{"server":"docs","tool":"search"}}`), e("x", "next", "")),
			code:  schema.ErrCodeActionUnavailable,
			want:  `"mcp.call"`,
		},
		{
			name:  "action timeout",
			graph: single(n("x", schema.KindHTTPRequest, `{"timeout":"99999999999999999999s"}`), e("x", "next", "")),
			code:  schema.ErrCodeValidation,
			want:  "invalid timeout",
		},
	}
	c := checker(t, &mockLookup{actions: map[string]bool{"http.request": true}})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.validateSemantic(tt.graph)
			require.Len(t, result.Errors, 1, messages(result.Errors))
			assert.Equal(t, tt.code, result.Errors[0].Code)
			assert.Equal(t, "x", result.Errors[0].NodeID)
			assert.Contains(t, result.Errors[0].Message, tt.want)
		})
	}
}

func TestSemantic_Warnings(t *testing.T) {
	tests := []struct {
		name  string
		graph *schema.Graph
		want  string
	}{
		{
			name:  "branch without false edge",
			graph: single(n("x", schema.KindBranch, `{"condition":"input.ok"}`), e("x", "next", "true")),
			want:  `no "false" edge`,
		},
		{
			name:  "switch case without edge",
			graph: single(n("x", schema.KindSwitch, `{"cases":[{"label":"vip","condition":"input.vip"}]}`), e("x", "next", "default")),
			want:  `case "vip" has no matching edge`,
		},
		{
			name:  "switch without default",
			graph: single(n("x", schema.KindSwitch, `{"value":"{{input.plan}}"}`), e("x", "next", "pro")),
			want:  `no "default" edge`,
		},
		{
			name:  "loop without done",
			graph: single(n("x", schema.KindLoop, `{"items":"input.items"}`), e("x", "next", "body")),
			want:  `no "done" edge`,
		},
		{
			name:  "timeout edge with terminate",
			graph: single(n("x", schema.KindWaitReply, `{"timeout_seconds":5,"on_timeout":"terminate"}`), e("x", "next", "timeout")),
			want:  "ignored",
		},
		{
			name:  "timeout policy without seconds",
			graph: single(n("x", schema.KindWaitReply, `{"on_timeout":"terminate"}`), e("x", "next", "")),
			want:  "timeout_seconds is 0",
		},
		{
			name:  "duplicate labels",
			graph: single(n("x", schema.KindSendMessage, `{"text":"hi"}`), e("x", "next", ""), e("x", "start", "")),
			want:  "only the first is followed",
		},
		{
			name:  "value and expression",
			graph: single(n("x", schema.KindSetVariable, `{"name":"n","value":1,"expression":"2"}`), e("x", "next", "")),
			want:  "value is ignored",
		},
	}
	c := checker(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := c.validateSemantic(tt.graph)
			assert.True(t, result.Valid(), messages(result.Errors))
			require.Len(t, result.Warnings, 1, messages(result.Warnings))
			assert.Equal(t, "x", result.Warnings[0].NodeID)
			assert.Contains(t, result.Warnings[0].Message, tt.want)
		})
	}
}

func TestSemantic_LabelsAreCaseInsensitive(t *testing.T) {
	g := single(n("x", schema.KindLoop, `{"items":[1]}`), e("x", "next", "BODY"), e("x", "next", " Done "))
	result := checker(t, nil).validateSemantic(g)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
