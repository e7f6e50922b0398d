package plugins

import (
	"context"
	"encoding/json"

	"github.com/rendis/convo/internal/actions"
	"github.com/rendis/convo/pkg/schema"
)

const callInputSchema = `{
  "type": "object",
  "properties": {
    "server": {"type": "string"},
    "tool": {"type": "string"},
    "arguments": {"type": "object"}
  },
  "required": ["server", "tool"]
}`

// CallAction implements "mcp.call": invoke any tool on a connected server.
type CallAction struct {
	manager *Manager
}

// NewCallAction creates the mcp.call action backed by manager.
func NewCallAction(manager *Manager) *CallAction {
	return &CallAction{manager: manager}
}

func (a *CallAction) Name() string { return "mcp.call" }

func (a *CallAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{
		Description: "Call a tool on a connected MCP server.",
		InputSchema: json.RawMessage(callInputSchema),
	}
}

func (a *CallAction) Validate(params map[string]any) error {
	server, _ := params["server"].(string)
	tool, _ := params["tool"].(string)
	if server == "" || tool == "" {
		return schema.NewError(schema.ErrCodeValidation, "mcp.call: 'server' and 'tool' are required")
	}
	return nil
}

func (a *CallAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	server, _ := input.Params["server"].(string)
	tool, _ := input.Params["tool"].(string)
	args, _ := input.Params["arguments"].(map[string]any)

	data, err := a.manager.Call(ctx, server, tool, args)
	if err != nil {
		return nil, err
	}
	return &actions.ActionOutput{Data: data}, nil
}
