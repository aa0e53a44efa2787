package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates a single trial call is being allowed through.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig[T any] struct {
	// Name identifies the protected dependency in errors and logs.
	Name string
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Timeout is how long the circuit stays open after the last failure.
	Timeout time.Duration
	// Operation is invoked by Recover. Execute accepts its own operation.
	Operation Operation[T]
	// Fallback, when set, is returned instead of SYSTEM_CIRCUIT_OPEN while the
	// circuit rejects calls.
	Fallback func(ctx context.Context) (T, error)
	// Now overrides the clock.
	Now func() time.Time
	// Logger receives state transitions.
	Logger *slog.Logger
}

// CircuitBreaker stops invoking a failing dependency for a cooldown period.
type CircuitBreaker[T any] struct {
	mu          sync.Mutex
	config      CircuitBreakerConfig[T]
	state       CircuitBreakerState
	failures    int
	lastFailure time.Time
	trialActive bool
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker[T any](config CircuitBreakerConfig[T]) *CircuitBreaker[T] {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &CircuitBreaker[T]{
		config: config,
		state:  StateClosed,
	}
}

// Name implements Strategy.
func (cb *CircuitBreaker[T]) Name() string { return "circuit-breaker" }

// CanRecover reports whether the breaker has an operation to re-invoke and
// err is a system failure.
func (cb *CircuitBreaker[T]) CanRecover(err *taxonomy.Error) bool {
	return cb.config.Operation != nil && err != nil &&
		err.Category() == taxonomy.CategorySystem && err.Code() != taxonomy.CodeCircuitOpen
}

// Recover re-invokes the configured operation through the breaker.
func (cb *CircuitBreaker[T]) Recover(ctx context.Context, err *taxonomy.Error) (T, error) {
	var zero T
	if cb.config.Operation == nil {
		return zero, ErrNoOperation
	}
	if !cb.CanRecover(err) {
		return zero, notRecoverable(cb.Name(), err)
	}
	return cb.Execute(ctx, cb.config.Operation)
}

// Execute wraps an operation with circuit breaker protection. While the
// circuit rejects calls, op is not invoked.
func (cb *CircuitBreaker[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	if !cb.beforeRequest() {
		return cb.reject(ctx)
	}

	value, err := op(ctx)
	cb.afterRequest(err)
	if err != nil {
		var zero T
		return zero, taxonomy.Wrap(err)
	}
	return value, nil
}

func (cb *CircuitBreaker[T]) reject(ctx context.Context) (T, error) {
	if cb.config.Fallback != nil {
		return cb.config.Fallback(ctx)
	}
	var zero T
	return zero, taxonomy.CircuitOpen(cb.config.Name,
		taxonomy.WithDetail("retry_after_ms", cb.retryAfter().Milliseconds()))
}

// beforeRequest reports whether the call may proceed.
func (cb *CircuitBreaker[T]) beforeRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.config.Now()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(cb.lastFailure) >= cb.config.Timeout {
			cb.transitionToLocked(StateHalfOpen)
			cb.trialActive = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true
	default:
		return false
	}
}

// afterRequest records the result of a call.
func (cb *CircuitBreaker[T]) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.transitionToLocked(StateClosed)
		return
	}

	cb.failures++
	cb.lastFailure = cb.config.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transitionToLocked(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.Threshold {
			cb.transitionToLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker[T]) transitionToLocked(newState CircuitBreakerState) {
	cb.trialActive = false
	if cb.state == newState {
		return
	}
	cb.config.Logger.Info("circuit breaker state change",
		slog.String("circuit", cb.config.Name),
		slog.String("from", string(cb.state)),
		slog.String("to", string(newState)),
		slog.Int("consecutive_failures", cb.failures),
	)
	cb.state = newState
}

func (cb *CircuitBreaker[T]) retryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	remaining := cb.config.Timeout - cb.config.Now().Sub(cb.lastFailure)
	return max(remaining, 0)
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker[T]) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure"`
	Threshold           int       `json:"threshold"`
	Timeout             string    `json:"timeout"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker[T]) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:                cb.config.Name,
		State:               string(cb.state),
		ConsecutiveFailures: cb.failures,
		LastFailure:         cb.lastFailure,
		Threshold:           cb.config.Threshold,
		Timeout:             cb.config.Timeout.String(),
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker[T]) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.lastFailure = time.Time{}
	cb.transitionToLocked(StateClosed)
}
