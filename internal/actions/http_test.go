package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/convo/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execHTTP(t *testing.T, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := NewHTTPRequestAction(HTTPConfig{}).Execute(context.Background(), ActionInput{Params: params})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "es", r.URL.Query().Get("lang"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hola"})
	}))
	defer srv.Close()

	result, err := execHTTP(t, map[string]any{"url": srv.URL, "query": map[string]any{"lang": "es"}})
	require.NoError(t, err)

	assert.Equal(t, 200, result["status_code"])
	assert.Equal(t, map[string]any{"greeting": "hola"}, result["body"])
	assert.Equal(t, "test-value", result["headers"].(map[string]any)["X-Custom"])
}

func TestHTTPRequest_PostBodiesAndAuth(t *testing.T) {
	var gotJSON map[string]any
	var gotForm, gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.Header.Get("Content-Type") {
		case "application/json":
			_ = json.Unmarshal(body, &gotJSON)
		case "application/x-www-form-urlencoded":
			gotForm = string(body)
		}
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Api-Key")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	result, err := execHTTP(t, map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"name": "Ana", "n": 2.0},
		"auth":   map[string]any{"type": "bearer", "token": "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result["body"])
	assert.Equal(t, map[string]any{"name": "Ana", "n": 2.0}, gotJSON)
	assert.Equal(t, "Bearer tok", gotAuth)

	_, err = execHTTP(t, map[string]any{
		"url":           srv.URL,
		"method":        "POST",
		"body":          map[string]any{"a": "1"},
		"body_encoding": "form",
		"auth":          map[string]any{"type": "api_key", "header_name": "X-Api-Key", "header_value": "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a=1", gotForm)
	assert.Equal(t, "k", gotKey)
}

func TestHTTPRequest_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := execHTTP(t, map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionFailed))
	assert.False(t, IsRetryableError(err), "4xx is not retryable")

	result, err := execHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": false})
	require.NoError(t, err)
	assert.Equal(t, 404, result["status_code"])
}

func TestHTTPRequest_Validate(t *testing.T) {
	a := NewHTTPRequestAction(HTTPConfig{})
	assert.True(t, schema.IsCode(a.Validate(map[string]any{}), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(a.Validate(map[string]any{"url": "ftp://x"}), schema.ErrCodeValidation))
	assert.NoError(t, a.Validate(map[string]any{"url": "https://example.com"}))
}

func TestHTTPRequest_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := execHTTP(t, map[string]any{"url": srv.URL, "timeout": "50ms"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionFailed))
}
