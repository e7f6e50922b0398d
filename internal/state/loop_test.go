package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopFrame_AdvanceThroughItems(t *testing.T) {
	c := New(nil, nil)
	c.PushFrame(LoopFrame{LoopNodeID: "L", Items: []any{"a", "b", "c"}, ItemVar: "it", IndexVar: "i"})

	assert.True(t, c.InLoop())
	assert.Equal(t, "a", c.Variables["it"])
	assert.Equal(t, 0, c.Variables["i"])

	f, more := c.AdvanceFrame()
	require.True(t, more)
	assert.Equal(t, 1, f.CurrentIndex)
	assert.Equal(t, "b", c.Variables["it"])

	_, more = c.AdvanceFrame()
	require.True(t, more)
	f, more = c.AdvanceFrame()
	assert.False(t, more)
	assert.Equal(t, 3, f.IterationsExecuted)

	popped, ok := c.PopFrame()
	require.True(t, ok)
	assert.Equal(t, "L", popped.LoopNodeID)
	assert.False(t, c.InLoop())
	_, present := c.Variables[KeyLoopStack]
	assert.False(t, present)
}

func TestLoopFrame_NestedStack(t *testing.T) {
	c := New(nil, nil)
	c.PushFrame(LoopFrame{LoopNodeID: "outer", Items: []any{1, 2}, ItemVar: "row"})
	c.PushFrame(LoopFrame{LoopNodeID: "inner", Items: []any{"x"}, ItemVar: "col"})

	top, _ := c.TopFrame()
	assert.Equal(t, "inner", top.LoopNodeID)
	assert.Equal(t, 1, c.FrameDepth("inner"))
	assert.Equal(t, 0, c.FrameDepth("outer"))
	assert.Equal(t, -1, c.FrameDepth("none"))

	require.True(t, c.UnwindTo("outer"))
	top, _ = c.TopFrame()
	assert.Equal(t, "outer", top.LoopNodeID)
	assert.False(t, c.UnwindTo("inner"))
}

func TestLoopFrame_EmptyStackOps(t *testing.T) {
	c := New(nil, nil)
	_, ok := c.PopFrame()
	assert.False(t, ok)
	_, more := c.AdvanceFrame()
	assert.False(t, more)
	_, ok = c.TopFrame()
	assert.False(t, ok)
}
