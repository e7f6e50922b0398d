package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps err to a status code and writes it with its error code.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	ce := schema.AsConvoError(err, schema.ErrCodeStore)
	status := statusFor(ce.Code)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, map[string]any{
		"error":   ce.Message,
		"code":    ce.Code,
		"details": ce.Details,
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeGraph, schema.ErrCodeExpression,
		schema.ErrCodeInterpolation, schema.ErrCodeActionUnavailable:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeExpired:
		return http.StatusConflict
	case schema.ErrCodeLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryConversation reads tenant_id, channel and contact_id. All three must
// be present.
func queryConversation(r *http.Request) (store.Conversation, bool) {
	q := r.URL.Query()
	conv := store.Conversation{
		TenantID:  q.Get("tenant_id"),
		Channel:   q.Get("channel"),
		ContactID: q.Get("contact_id"),
	}
	return conv, conv.Validate() == nil
}
