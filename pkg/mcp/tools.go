package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/convo/internal/diagram"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

func (s *ConvoServer) handleGraphs(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphs, err := s.store.ListGraphs(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	if graphs == nil {
		graphs = []*store.GraphInfo{}
	}
	return marshalResult(map[string]any{"graphs": graphs})
}

// handleDefine validates and stores a graph. Warnings are returned with the
// result; errors reject the graph.
func (s *ConvoServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	var g schema.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}

	result := s.validator.Validate(&g)
	if err := result.ToError(); err != nil {
		return errorResult(err), nil
	}
	if err := s.store.SaveGraph(ctx, &g); err != nil {
		return errorResult(err), nil
	}
	return marshalResult(map[string]any{"id": g.ID, "warnings": result.Warnings})
}

func (s *ConvoServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}
	conv, errResult := conversation(req)
	if errResult != nil {
		return errResult, nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	g, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		return errorResult(err), nil
	}
	if err := s.validator.ValidateInput(g, input); err != nil {
		return errorResult(err), nil
	}
	run, err := s.engine.Start(ctx, graphID, conv, input)
	if err != nil {
		return errorResult(err), nil
	}
	s.watch(ctx, run)
	return marshalResult(run)
}

func (s *ConvoServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.engine.Resume(ctx, runID, inboundInput(req))
	if err != nil {
		return errorResult(err), nil
	}
	s.watch(ctx, run)
	return marshalResult(run)
}

// handleMessage resumes the conversation's active run. A conversation
// without one is reported as NOT_FOUND; the caller decides whether to start.
func (s *ConvoServer) handleMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conv, errResult := conversation(req)
	if errResult != nil {
		return errResult, nil
	}
	active, err := s.store.FindActive(ctx, conv)
	if err != nil {
		return errorResult(err), nil
	}
	if active == nil {
		return errorResult(schema.NewErrorf(schema.ErrCodeNotFound, "no active run for %s", conv)), nil
	}
	run, err := s.engine.Resume(ctx, active.ID, inboundInput(req))
	if err != nil {
		return errorResult(err), nil
	}
	s.watch(ctx, run)
	return marshalResult(run)
}

func (s *ConvoServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.engine.Status(ctx, runID)
	if err != nil {
		return errorResult(err), nil
	}
	if !req.GetBool("include_events", false) {
		return marshalResult(map[string]any{"run": run})
	}
	events, err := s.store.GetEvents(ctx, run.ID, 0)
	if err != nil {
		return errorResult(err), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"run": run, "events": events})
}

// handleDiagram draws a stored graph in the requested format.
func (s *ConvoServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	graphID := req.GetString("graph_id", "")
	runID := req.GetString("run_id", "")
	if graphID == "" && runID == "" {
		return mcp.NewToolResultError("at least one of graph_id or run_id is required"), nil
	}

	var overlay diagram.Overlay
	if runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return errorResult(err), nil
		}
		if graphID == "" {
			graphID = run.GraphID
		}
		events, err := s.store.GetEvents(ctx, run.ID, 0)
		if err != nil {
			return errorResult(err), nil
		}
		overlay = diagram.BuildOverlay(run, events)
	}

	g, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		return errorResult(err), nil
	}
	model, err := diagram.Build(g, overlay)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(g.ID, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// conversation reads the conversation key arguments.
func conversation(req mcp.CallToolRequest) (store.Conversation, *mcp.CallToolResult) {
	conv := store.Conversation{
		TenantID:  req.GetString("tenant_id", ""),
		Channel:   req.GetString("channel", ""),
		ContactID: req.GetString("contact_id", ""),
	}
	if err := conv.Validate(); err != nil {
		return conv, errorResult(err)
	}
	return conv, nil
}

// inboundInput merges the text argument into the input object.
func inboundInput(req mcp.CallToolRequest) map[string]any {
	input := mcp.ParseStringMap(req, "input", nil)
	if text := req.GetString("text", ""); text != "" {
		if input == nil {
			input = make(map[string]any, 1)
		}
		input["text"] = text
	}
	return input
}

// watch subscribes the calling session to the run's lifecycle events while
// the run is still active.
func (s *ConvoServer) watch(ctx context.Context, run *store.Run) {
	if run == nil || !run.Status.IsActive() {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(run.ID, session.SessionID())
	}
}

// errorResult reports err as a tool error prefixed with its code.
func errorResult(err error) *mcp.CallToolResult {
	ce := schema.AsConvoError(err, schema.ErrCodeStore)
	return mcp.NewToolResultError(ce.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
