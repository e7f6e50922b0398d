package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-abc")
	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-old")
	r.Register("run-1", "session-new")

	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "session-abc")
	r.Register("run-2", "session-abc")
	r.Register("run-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("run-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("run-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("run-3")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
}

func TestSessionRegistry_Forget(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("run-1", "session-abc")
	r.Register("run-2", "session-abc")

	r.Forget("run-1")

	_, ok := r.SessionFor("run-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("run-2")
	assert.True(t, ok, "other runs of the session stay watched")
}
