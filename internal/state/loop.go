package state

import "encoding/json"

// Default loop variable names.
const (
	DefaultItemVar  = "item"
	DefaultIndexVar = "index"
)

// LoopFrame is the iteration state of one active loop construct.
type LoopFrame struct {
	LoopNodeID         string `json:"loop_node_id"`
	Items              []any  `json:"items"`
	CurrentIndex       int    `json:"current_index"`
	ItemVar            string `json:"item_var"`
	IndexVar           string `json:"index_var"`
	IterationsExecuted int    `json:"iterations_executed"`
}

// Remaining reports whether the frame has an item at CurrentIndex.
func (f LoopFrame) Remaining() bool {
	return f.CurrentIndex < len(f.Items)
}

// LoopFrames returns the loop stack, innermost frame last.
func (c *Context) LoopFrames() []LoopFrame {
	c.ensure()
	switch v := c.Variables[KeyLoopStack].(type) {
	case nil:
		return nil
	case []LoopFrame:
		return v
	default:
		// Persisted contexts decode the stack as generic JSON.
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var frames []LoopFrame
		if err := json.Unmarshal(b, &frames); err != nil {
			return nil
		}
		c.Variables[KeyLoopStack] = frames
		return frames
	}
}

func (c *Context) setFrames(frames []LoopFrame) {
	if len(frames) == 0 {
		delete(c.Variables, KeyLoopStack)
		return
	}
	c.Variables[KeyLoopStack] = frames
}

// InLoop reports whether any loop frame is active.
func (c *Context) InLoop() bool {
	return len(c.LoopFrames()) > 0
}

// TopFrame returns the innermost frame.
func (c *Context) TopFrame() (LoopFrame, bool) {
	frames := c.LoopFrames()
	if len(frames) == 0 {
		return LoopFrame{}, false
	}
	return frames[len(frames)-1], true
}

// PushFrame starts a loop and binds its first item. Frames with no items are
// never pushed; callers take the exhaustion edge instead.
func (c *Context) PushFrame(f LoopFrame) {
	if f.ItemVar == "" {
		f.ItemVar = DefaultItemVar
	}
	if f.IndexVar == "" {
		f.IndexVar = DefaultIndexVar
	}
	frames := append(c.LoopFrames(), f)
	c.setFrames(frames)
	c.bind(f)
}

// PopFrame removes the innermost frame.
func (c *Context) PopFrame() (LoopFrame, bool) {
	frames := c.LoopFrames()
	if len(frames) == 0 {
		return LoopFrame{}, false
	}
	top := frames[len(frames)-1]
	c.setFrames(frames[:len(frames)-1])
	return top, true
}

// AdvanceFrame counts the finished body traversal of the innermost frame and
// moves to the next item. It returns the updated frame and whether an item
// remains; when one does, the item and index variables are rebound.
func (c *Context) AdvanceFrame() (LoopFrame, bool) {
	frames := c.LoopFrames()
	if len(frames) == 0 {
		return LoopFrame{}, false
	}
	top := frames[len(frames)-1]
	top.CurrentIndex++
	top.IterationsExecuted++
	frames[len(frames)-1] = top
	c.setFrames(frames)
	if !top.Remaining() {
		return top, false
	}
	c.bind(top)
	return top, true
}

// FrameDepth returns the stack position of the frame owned by loopNodeID, or -1.
func (c *Context) FrameDepth(loopNodeID string) int {
	frames := c.LoopFrames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].LoopNodeID == loopNodeID {
			return i
		}
	}
	return -1
}

// UnwindTo discards every frame nested inside the frame owned by loopNodeID,
// leaving that frame on top. It returns false when no such frame exists.
func (c *Context) UnwindTo(loopNodeID string) bool {
	depth := c.FrameDepth(loopNodeID)
	if depth < 0 {
		return false
	}
	c.setFrames(c.LoopFrames()[:depth+1])
	return true
}

func (c *Context) bind(f LoopFrame) {
	if !f.Remaining() {
		return
	}
	c.Variables[f.ItemVar] = f.Items[f.CurrentIndex]
	c.Variables[f.IndexVar] = f.CurrentIndex
}
