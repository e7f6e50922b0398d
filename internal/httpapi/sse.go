package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/convo/internal/streaming"
)

// handleSSE streams lifecycle events to the client via Server-Sent Events.
// Query parameters narrow the stream: run_id, the conversation triple and a
// comma separated list of event types.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter := streaming.EventFilter{RunID: r.URL.Query().Get("run_id")}
	if conv, ok := queryConversation(r); ok {
		filter.Conversation = &conv
	}
	if types := r.URL.Query().Get("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.ErrorContext(r.Context(), "SSE subscribe failed", slog.String("error", err.Error()))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
