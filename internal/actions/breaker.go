package actions

import (
	"sync"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// CircuitState is the state of one action's circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaking per action.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the defaults used by the CLI.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks a circuit per action name.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: config, now: time.Now}
}

// Allow returns nil when a call to action may proceed, or CIRCUIT_OPEN.
func (b *Breakers) Allow(action string) error {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for action %q after %d consecutive failures", action, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"action":               action,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (b.config.Cooldown - b.now().Sub(cb.lastFailure)).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for action %q: probe in flight", action)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit.
func (b *Breakers) RecordSuccess(action string) {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (b *Breakers) RecordFailure(action string) CircuitState {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for action.
func (b *Breakers) State(action string) CircuitState {
	cb := b.get(action)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (b *Breakers) get(action string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[action]
	if !ok {
		cb = &breaker{}
		b.breakers[action] = cb
	}
	return cb
}
