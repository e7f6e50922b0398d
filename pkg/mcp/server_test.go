package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConvoServer(t *testing.T) {
	s := NewConvoServer(ConvoServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Notifier())
}

func TestToolRegistration(t *testing.T) {
	s := NewConvoServer(ConvoServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	for _, name := range []string{
		"convo.graphs",
		"convo.define",
		"convo.start",
		"convo.resume",
		"convo.message",
		"convo.status",
		"convo.diagram",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"convo.graphs", "List stored conversation graphs"},
		{"convo.define", "Validate and store a conversation graph"},
		{"convo.start", "Start a run of a stored graph for a conversation"},
		{"convo.resume", "Deliver an inbound message to a waiting run"},
		{"convo.message", "Deliver an inbound message to the active run of a conversation"},
		{"convo.status", "Get a run record and optionally its event log"},
	}

	s := NewConvoServer(ConvoServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}

	start := s.mcpServer.GetTool("convo.start")
	assert.ElementsMatch(t, []string{"graph_id", "tenant_id", "channel", "contact_id"}, start.Tool.InputSchema.Required)
}
