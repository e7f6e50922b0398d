package actions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/convo/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoker_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "flaky", exec: func(context.Context, ActionInput) (*ActionOutput, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return &ActionOutput{Data: map[string]any{"ok": true}}, nil
	}}))

	inv := NewInvoker(reg, nil, nil)
	out, err := inv.Invoke(context.Background(), Call{
		Action: "flaky",
		Retry:  &schema.RetryPolicy{Max: 3, Delay: "1ms", Backoff: "exponential"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvoker_NonRetryableStops(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "bad", exec: func(context.Context, ActionInput) (*ActionOutput, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
	}}))

	_, err := NewInvoker(reg, nil, nil).Invoke(context.Background(), Call{
		Action: "bad",
		Retry:  &schema.RetryPolicy{Max: 5},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvoker_Timeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "slow", exec: func(ctx context.Context, _ ActionInput) (*ActionOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	_, err := NewInvoker(reg, nil, nil).Invoke(context.Background(), Call{Action: "slow", Timeout: 20 * time.Millisecond})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestInvoker_UnknownAction(t *testing.T) {
	_, err := NewInvoker(NewRegistry(), nil, nil).Invoke(context.Background(), Call{Action: "ghost"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionUnavailable))
}

func TestInvoker_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "down", exec: func(context.Context, ActionInput) (*ActionOutput, error) {
		calls.Add(1)
		return nil, errors.New("service unavailable")
	}}))

	inv := NewInvoker(reg, NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}), nil)
	for i := 0; i < 2; i++ {
		_, err := inv.Invoke(context.Background(), Call{Action: "down"})
		require.Error(t, err)
	}
	_, err := inv.Invoke(context.Background(), Call{Action: "down"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBreakers_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	assert.Equal(t, CircuitOpen, b.RecordFailure("a"))
	assert.Error(t, b.Allow("a"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("a"))
	assert.Equal(t, CircuitHalfOpen, b.State("a"))
	assert.Error(t, b.Allow("a"), "only one probe while half-open")

	b.RecordSuccess("a")
	assert.Equal(t, CircuitClosed, b.State("a"))
	assert.Equal(t, "closed", b.State("a").String())
}

func TestComputeBackoff(t *testing.T) {
	exp := &schema.RetryPolicy{Delay: "100ms", Backoff: "exponential", MaxDelay: "500ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(exp, 0))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(exp, 2))
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(exp, 5))

	lin := &schema.RetryPolicy{Delay: "10ms", Backoff: "linear"}
	assert.Equal(t, 30*time.Millisecond, ComputeBackoff(lin, 2))

	assert.Equal(t, time.Duration(0), ComputeBackoff(nil, 1))
	assert.Equal(t, time.Duration(0), ComputeBackoff(&schema.RetryPolicy{Delay: "bogus"}, 1))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCircuitOpen, "open")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeActionFailed, "boom")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeActionFailed, "throttled").
		WithDetails(map[string]any{"status_code": 429})))
	assert.True(t, IsRetryableError(errors.New("weird")))
}
