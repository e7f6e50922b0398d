// Package httpapi serves the inbound HTTP surface of convo: channel
// adapters post messages here, operators start runs, inspect them and
// follow lifecycle events over Server-Sent Events.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/convo/internal/scheduler"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/pkg/schema"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Start(ctx context.Context, graphID string, conv store.Conversation, seed map[string]any) (*store.Run, error)
	Resume(ctx context.Context, runID string, input map[string]any) (*store.Run, error)
	Status(ctx context.Context, runID string) (*store.Run, error)
}

// Store is the persistence the API reads and writes directly.
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

// Triggers exposes the scheduler's triggers. Optional.
type Triggers interface {
	Triggers() []scheduler.TriggerStatus
	Fire(ctx context.Context, name string) error
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine    Engine
	Store     Store
	Validator Validator
	Hub       streaming.EventHub
	Triggers  Triggers
	Logger    *slog.Logger
}

// Server serves the JSON API and the event stream.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Graphs.
	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("POST /api/graphs", s.handleImportGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)

	// Inbound channel messages, routed to the conversation's waiting run.
	mux.HandleFunc("POST /api/messages", s.handleInboundMessage)

	// Scheduler.
	mux.HandleFunc("GET /api/triggers", s.handleListTriggers)
	mux.HandleFunc("POST /api/triggers/{name}/fire", s.handleFireTrigger)

	// SSE stream.
	mux.HandleFunc("GET /sse/events", s.handleSSE)

	return mux
}
