// Package mcp exposes convo to MCP clients: agents can import graphs, start
// and resume conversation runs and inspect them over the stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// Engine is the part of the orchestrator the tools drive.
type Engine interface {
	Start(ctx context.Context, graphID string, conv store.Conversation, seed map[string]any) (*store.Run, error)
	Resume(ctx context.Context, runID string, input map[string]any) (*store.Run, error)
	Status(ctx context.Context, runID string) (*store.Run, error)
}

// Store is the persistence the tools read and write directly.
type Store interface {
	store.RunStore
	store.GraphStore
	store.EventStore
}

// Validator checks graphs before they are stored and seeds before runs start.
type Validator interface {
	Validate(g *schema.Graph) *schema.ValidationResult
	ValidateInput(g *schema.Graph, input map[string]any) error
}

// ConvoServerDeps holds the dependencies for creating a ConvoServer.
type ConvoServerDeps struct {
	Engine    Engine
	Store     Store
	Validator Validator
	Logger    *slog.Logger
}

// ConvoServer wraps an MCP server with convo tool handlers.
type ConvoServer struct {
	engine    Engine
	store     Store
	validator Validator
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewConvoServer creates a ConvoServer with all tools registered.
func NewConvoServer(deps ConvoServerDeps) *ConvoServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConvoServer{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"convo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Convo runs conversation graphs, one active run per tenant, channel and contact. "+
			"Use convo.define to store a graph, convo.start to open a run, convo.message or convo.resume to deliver replies, "+
			"convo.status to inspect a run and convo.diagram to draw a graph with run progress."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConvoServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConvoServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a publisher that pushes lifecycle events of runs a
// session started or resumed back to that session.
func (s *ConvoServer) Notifier() *RunNotifier {
	return NewRunNotifier(s.mcpServer, s.sessions)
}

func (s *ConvoServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: graphsTool(), Handler: s.handleGraphs},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: messageTool(), Handler: s.handleMessage},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func graphsTool() mcp.Tool {
	return mcp.NewTool("convo.graphs",
		mcp.WithDescription("List stored conversation graphs"),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("convo.define",
		mcp.WithDescription("Validate and store a conversation graph"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Graph document with id, nodes and edges")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("convo.start",
		mcp.WithDescription("Start a run of a stored graph for a conversation"),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("ID of the graph to run")),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the conversation")),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name, e.g. sms or whatsapp")),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact address within the channel")),
		mcp.WithObject("input", mcp.Description("Seed input, checked against the graph's input schema")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("convo.resume",
		mcp.WithDescription("Deliver an inbound message to a waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("text", mcp.Description("Reply text, stored as input.text")),
		mcp.WithObject("input", mcp.Description("Inbound message fields")),
	)
}

func messageTool() mcp.Tool {
	return mcp.NewTool("convo.message",
		mcp.WithDescription("Deliver an inbound message to the active run of a conversation"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant owning the conversation")),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name")),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact address within the channel")),
		mcp.WithString("text", mcp.Description("Reply text, stored as input.text")),
		mcp.WithObject("input", mcp.Description("Inbound message fields")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("convo.status",
		mcp.WithDescription("Get a run record and optionally its event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("include_events", mcp.Description("Include the event log (default: false)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("convo.diagram",
		mcp.WithDescription("Draw a stored graph as ASCII, Mermaid or a PNG image, colored by run progress when run_id is given"),
		mcp.WithString("graph_id", mcp.Description("Graph to draw (defaults to the run's graph)")),
		mcp.WithString("run_id", mcp.Description("Run whose progress is overlaid")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
