package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DeepCopiesSeed(t *testing.T) {
	seed := map[string]any{"user": map[string]any{"name": "ana"}}
	c := New(map[string]any{"brand": "acme"}, seed)

	seed["user"].(map[string]any)["name"] = "changed"

	v, ok := c.Lookup("input.user.name")
	require.True(t, ok)
	assert.Equal(t, "ana", v)
	assert.NotNil(t, c.Output)
	assert.NotNil(t, c.Variables)
}

func TestLookup(t *testing.T) {
	c := New(map[string]any{"brand": "acme"}, map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, c.SetVariable("x", "v"))

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"variables.x", "v", true},
		{"globals.brand", "acme", true},
		{"input.items.1", "b", true},
		{"input.items.9", nil, false},
		{"variables.missing", nil, false},
		{"nope.x", nil, false},
		{"", nil, false},
		{"variables..x", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := c.Lookup(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetVariable_NestedAndReserved(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.SetVariable("profile.city", "Lima"))
	require.NoError(t, c.SetVariable("variables.plain", 1))

	v, ok := c.Variable("profile.city")
	require.True(t, ok)
	assert.Equal(t, "Lima", v)
	assert.Equal(t, 1, c.Variables["plain"])

	err := c.SetVariable("__loop_stack", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestNamespaces_HidesReserved(t *testing.T) {
	c := New(nil, nil)
	c.SetAwaitingReply("ask")
	require.NoError(t, c.SetVariable("a", 1))

	vars := c.Namespaces()[NSVariables].(map[string]any)
	assert.Equal(t, map[string]any{"a": 1}, vars)
	assert.Equal(t, "ask", c.AwaitingReply())

	c.ClearAwaitingReply()
	assert.Empty(t, c.AwaitingReply())
}

func TestEncodeDecode_PreservesLoopStack(t *testing.T) {
	c := New(nil, map[string]any{"k": "v"})
	c.PushFrame(LoopFrame{LoopNodeID: "loop", Items: []any{"a", "b"}})

	raw, err := c.Encode()
	require.NoError(t, err)

	restored, err := Decode(raw)
	require.NoError(t, err)

	top, ok := restored.TopFrame()
	require.True(t, ok)
	assert.Equal(t, "loop", top.LoopNodeID)
	assert.Equal(t, []any{"a", "b"}, top.Items)
	assert.Equal(t, "item", top.ItemVar)
	assert.Equal(t, "a", restored.Variables["item"])
}

func TestMergeInputAndClone(t *testing.T) {
	c := New(nil, map[string]any{"a": 1})
	c.MergeInput(map[string]any{"text": "2"})
	assert.Equal(t, "2", c.Input["text"])
	assert.Equal(t, 1, c.Input["a"])

	cp := c.Clone()
	cp.Input["text"] = "changed"
	assert.Equal(t, "2", c.Input["text"])
}

func TestMergeOutput_NilRemovesKey(t *testing.T) {
	c := New(nil, nil)
	c.MergeOutput(map[string]any{"error": map[string]any{"code": "X"}, "status": 500})
	c.MergeOutput(map[string]any{"error": nil, "status": 200})

	_, hasErr := c.Output["error"]
	assert.False(t, hasErr)
	assert.Equal(t, 200, c.Output["status"])
}
