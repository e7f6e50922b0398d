package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// HTTPConfig configures the http.request action.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the transport; tests inject httptest clients.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

// HTTPRequestAction implements "http.request": an outbound HTTP call whose
// parsed response becomes the node output.
type HTTPRequestAction struct {
	config HTTPConfig
}

// NewHTTPRequestAction creates the http.request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestAction{config: cfg}
}

func (a *HTTPRequestAction) Name() string { return "http.request" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Execute an HTTP request with method, headers, query, body and auth.",
		InputSchema: json.RawMessage(httpRequestInputSchema),
	}
}

func (a *HTTPRequestAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	rawURL := stringParam(params, "url", "")
	timeout := durationParam(params, "timeout", a.config.DefaultTimeout)

	if query, ok := params["query"].(map[string]any); ok && len(query) > 0 {
		u, _ := url.Parse(rawURL)
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "http.request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(params, "headers") {
		req.Header.Set(k, v)
	}
	applyAuth(req, params)

	client := a.client(params)

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(bodyBytes) > 0 {
		parsed = string(bodyBytes)
		if strings.Contains(respContentType, "json") {
			var v any
			if err := json.Unmarshal(bodyBytes, &v); err == nil {
				parsed = v
			}
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         parsed,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(params, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return &ActionOutput{Data: result}, nil
}

func (a *HTTPRequestAction) client(params map[string]any) *http.Client {
	if a.config.Client != nil {
		return a.config.Client
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON-encodable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
