package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// WebhookSender POSTs each message as JSON to a fixed URL.
type WebhookSender struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender creates a sender. A nil client gets a 10s timeout client.
func NewWebhookSender(url string, client *http.Client, headers map[string]string) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, client: client, headers: headers}
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "webhook returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return nil
}
