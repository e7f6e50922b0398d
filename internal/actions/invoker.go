package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

const defaultCallTimeout = 30 * time.Second

// Call is one action invocation request.
type Call struct {
	Action  string
	Input   ActionInput
	Timeout time.Duration
	Retry   *schema.RetryPolicy
}

// Invoker resolves actions from a registry and runs them with a per-attempt
// timeout, the call's retry policy and a per-action circuit breaker.
type Invoker struct {
	registry *Registry
	breakers *Breakers
	logger   *slog.Logger
}

// NewInvoker creates an Invoker. breakers may be nil to disable circuit breaking.
func NewInvoker(registry *Registry, breakers *Breakers, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{registry: registry, breakers: breakers, logger: logger}
}

// Registry returns the underlying registry.
func (inv *Invoker) Registry() *Registry { return inv.registry }

// Invoke runs the call and returns the output of the first successful
// attempt, or the last error.
func (inv *Invoker) Invoke(ctx context.Context, call Call) (*ActionOutput, error) {
	action, err := inv.registry.Get(call.Action)
	if err != nil {
		return nil, err
	}
	if err := action.Validate(call.Input.Params); err != nil {
		return nil, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	attempts := 1
	if call.Retry != nil && call.Retry.Max > 0 {
		attempts += call.Retry.Max
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := waitForBackoff(ctx, ComputeBackoff(call.Retry, attempt-1)); err != nil {
				return nil, err
			}
		}
		if inv.breakers != nil {
			if err := inv.breakers.Allow(call.Action); err != nil {
				return nil, err
			}
		}

		out, err := inv.attempt(ctx, action, call.Input, timeout)
		if err == nil {
			if inv.breakers != nil {
				inv.breakers.RecordSuccess(call.Action)
			}
			return out, nil
		}

		lastErr = err
		if inv.breakers != nil {
			inv.breakers.RecordFailure(call.Action)
		}
		if !IsRetryableError(err) {
			break
		}
		inv.logger.Debug("action attempt failed",
			slog.String("action", call.Action),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

func (inv *Invoker) attempt(ctx context.Context, action Action, input ActionInput, timeout time.Duration) (*ActionOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := action.Execute(callCtx, input)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "action %q timed out after %s", action.Name(), timeout).WithCause(err)
		}
		return nil, err
	}
	if out == nil {
		out = &ActionOutput{}
	}
	return out, nil
}
