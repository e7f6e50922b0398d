// Package plugins connects to MCP servers, exposes their tools as actions
// and provides the generic mcp.call action used by mcp_call nodes.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/convo/internal/actions"
	"github.com/rendis/convo/pkg/schema"
)

const (
	clientName    = "convo"
	clientVersion = "1.0.0"
)

// ServerConfig describes how to launch one stdio MCP server.
type ServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	// RegisterTools also registers each tool as the action "name.tool".
	RegisterTools bool `yaml:"register_tools"`
}

// Manager owns the MCP client sessions, keyed by server name.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*mcpclient.Client
	logger  *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{clients: make(map[string]*mcpclient.Client), logger: logger}
}

// Connect launches a stdio MCP server and performs the initialize handshake.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" || cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "mcp server needs a name and a command")
	}
	c, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("start mcp server %q: %w", cfg.Name, err)
	}
	if err := m.Attach(ctx, cfg.Name, c); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// Attach initializes an already started client and stores it under name.
func (m *Manager) Attach(ctx context.Context, name string, c *mcpclient.Client) error {
	m.mu.RLock()
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "mcp server %q already connected", name)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize mcp server %q: %w", name, err)
	}

	m.mu.Lock()
	m.clients[name] = c
	m.mu.Unlock()

	m.logger.Info("mcp server connected", slog.String("server", name))
	return nil
}

// RegisterTools lists the server's tools and registers each one in reg as
// "server.tool".
func (m *Manager) RegisterTools(ctx context.Context, server string, reg *actions.Registry) (int, error) {
	c, err := m.client(server)
	if err != nil {
		return 0, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools on %q: %w", server, err)
	}

	acts := make([]actions.Action, 0, len(res.Tools))
	for _, tool := range res.Tools {
		inputSchema, _ := json.Marshal(tool.InputSchema)
		acts = append(acts, &toolAction{
			manager:     m,
			server:      server,
			tool:        tool.Name,
			description: tool.Description,
			inputSchema: inputSchema,
		})
	}
	n, err := reg.RegisterPrefixed(server, acts)
	if err != nil {
		return n, err
	}
	m.logger.Info("mcp tools registered", slog.String("server", server), slog.Int("count", n))
	return n, nil
}

// Call invokes a tool and converts the result into node output data:
// "text" holds the concatenated text content, "json" the text parsed as
// JSON when it is valid, "structured" any structured content.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	c, err := m.client(server)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "mcp %s.%s: %v", server, tool, err).WithCause(err)
	}

	var parts []string
	for _, content := range res.Content {
		if text := mcp.GetTextFromContent(content); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, "\n")
	data := map[string]any{"text": text}
	var parsed any
	if json.Unmarshal([]byte(text), &parsed) == nil {
		data["json"] = parsed
	}
	if res.StructuredContent != nil {
		data["structured"] = res.StructuredContent
	}

	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "mcp %s.%s returned an error: %s", server, tool, text).
			WithDetails(data)
	}
	return data, nil
}

// Servers returns the connected server names, sorted.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for name := range m.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every client session.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*mcpclient.Client)
	m.mu.Unlock()

	var lastErr error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			lastErr = err
			m.logger.Warn("close mcp server", slog.String("server", name), slog.String("error", err.Error()))
		}
	}
	return lastErr
}

func (m *Manager) client(server string) (*mcpclient.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[server]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "mcp server %q not connected", server)
	}
	return c, nil
}

// toolAction exposes one discovered MCP tool as an action.
type toolAction struct {
	manager     *Manager
	server      string
	tool        string
	description string
	inputSchema json.RawMessage
}

func (a *toolAction) Name() string { return a.tool }

func (a *toolAction) Schema() actions.ActionSchema {
	return actions.ActionSchema{InputSchema: a.inputSchema, Description: a.description}
}

func (a *toolAction) Validate(map[string]any) error { return nil }

func (a *toolAction) Execute(ctx context.Context, input actions.ActionInput) (*actions.ActionOutput, error) {
	data, err := a.manager.Call(ctx, a.server, a.tool, input.Params)
	if err != nil {
		return nil, err
	}
	return &actions.ActionOutput{Data: data}, nil
}
