package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Graphs ---

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.deps.Store.ListGraphs(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if graphs == nil {
		graphs = []*store.GraphInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": graphs})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Store.GetGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleImportGraph validates and stores a graph document. Warnings are
// returned with the response; errors reject the graph.
func (s *Server) handleImportGraph(w http.ResponseWriter, r *http.Request) {
	var g schema.Graph
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	result := s.deps.Validator.Validate(&g)
	if !result.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "graph is invalid",
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}
	if err := s.deps.Store.SaveGraph(r.Context(), &g); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       g.ID,
		"warnings": result.Warnings,
	})
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:  schema.RunStatus(q.Get("status")),
		GraphID: q.Get("graph_id"),
		Limit:   queryInt(r, "limit", 50),
	}
	if conv, ok := queryConversation(r); ok {
		filter.Conversation = &conv
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GraphID      string             `json:"graph_id"`
		Conversation store.Conversation `json:"conversation"`
		Input        map[string]any     `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.GraphID == "" {
		writeError(w, http.StatusBadRequest, "graph_id is required")
		return
	}

	ctx := r.Context()
	g, err := s.deps.Store.GetGraph(ctx, body.GraphID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.deps.Validator.ValidateInput(g, body.Input); err != nil {
		s.writeErr(w, r, err)
		return
	}
	run, err := s.deps.Engine.Start(ctx, body.GraphID, body.Conversation, body.Input)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.deps.Engine.Status(ctx, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	events, err := s.deps.Store.GetEvents(ctx, run.ID, int64(queryInt(r, "since", 0)))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "events": events})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	run, err := s.deps.Engine.Resume(r.Context(), r.PathValue("id"), body.Input)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleInboundMessage resumes the conversation's active run with the
// message. A conversation without an active run answers 404; the adapter
// decides whether to start a new run.
func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Conversation store.Conversation `json:"conversation"`
		Input        map[string]any     `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := body.Conversation.Validate(); err != nil {
		s.writeErr(w, r, err)
		return
	}

	ctx := r.Context()
	active, err := s.deps.Store.FindActive(ctx, body.Conversation)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if active == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active run for %s", body.Conversation))
		return
	}
	run, err := s.deps.Engine.Resume(ctx, active.ID, body.Input)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Scheduler ---

func (s *Server) handleListTriggers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Triggers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"triggers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": s.deps.Triggers.Triggers()})
}

func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggers == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	name := r.PathValue("name")
	if err := s.deps.Triggers.Fire(r.Context(), name); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "trigger": name})
}
