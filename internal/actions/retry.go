package actions

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// IsRetryableError classifies whether a failed action call may be retried.
// Cancellation and non-retryable ConvoError codes stop retries; network
// errors, deadlines and unknown errors are retried within the policy limit.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ce *schema.ConvoError
	if errors.As(err, &ce) {
		if status, ok := ce.Details["status_code"].(int); ok && status >= 400 && status < 500 {
			return status == 429
		}
		return ce.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "too many requests"} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Supports constant, linear and exponential backoff with an optional cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	delay := base
	switch policy.Backoff {
	case "exponential":
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// waitForBackoff sleeps for delay or returns early when ctx is done.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
