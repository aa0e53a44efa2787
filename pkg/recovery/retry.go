package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// ErrNoOperation is returned when a strategy that re-invokes an operation has
// none bound.
var ErrNoOperation = errors.New("recovery: no operation bound")

// RetryConfig defines retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first re-invocation.
	BaseDelay time.Duration
	// Backoff is the factor by which the delay grows per attempt. 1 keeps the
	// delay fixed.
	Backoff float64
	// MaxDelay caps a single delay.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Backoff:     2.0,
		MaxDelay:    5 * time.Second,
	}
}

// Retry re-invokes a protected operation while it fails with retryable
// errors. The delay before re-invocation n (1-based) is
// BaseDelay * Backoff^(n-1), capped at MaxDelay.
type Retry[T any] struct {
	config RetryConfig
	op     Operation[T]
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetry creates a retry strategy around op. op may be nil when the
// strategy is only used through Execute.
func NewRetry[T any](config RetryConfig, op Operation[T]) *Retry[T] {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = 0
	}
	if config.Backoff <= 0 {
		config.Backoff = 1
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = time.Minute
	}
	return &Retry[T]{
		config: config,
		op:     op,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
}

// WithLogger sets the logger used for attempt logging.
func (r *Retry[T]) WithLogger(logger *slog.Logger) *Retry[T] {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Name implements Strategy.
func (r *Retry[T]) Name() string { return "retry" }

// Config returns a copy of the retry configuration.
func (r *Retry[T]) Config() RetryConfig { return r.config }

// CanRecover reports whether err is retryable and an operation is bound.
func (r *Retry[T]) CanRecover(err *taxonomy.Error) bool {
	return r.op != nil && err != nil && err.IsRetryable()
}

// Recover re-invokes the bound operation after the caller's own failed
// attempt, so at most MaxAttempts-1 further invocations are made.
func (r *Retry[T]) Recover(ctx context.Context, err *taxonomy.Error) (T, error) {
	var zero T
	if r.op == nil {
		return zero, ErrNoOperation
	}
	if !r.CanRecover(err) {
		return zero, notRecoverable(r.Name(), err)
	}
	return r.run(ctx, r.op, 1, err)
}

// Execute invokes op up to MaxAttempts times, stopping at the first success
// or non-retryable failure.
func (r *Retry[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	value, err := op(ctx)
	if err == nil {
		return value, nil
	}
	te := taxonomy.Wrap(err)
	if !te.IsRetryable() {
		return value, te
	}
	return r.run(ctx, op, 1, te)
}

// run performs re-invocations starting after `done` attempts have already
// failed with last.
func (r *Retry[T]) run(ctx context.Context, op Operation[T], done int, last *taxonomy.Error) (T, error) {
	var zero T
	schedule := r.schedule()

	for attempt := done + 1; attempt <= r.config.MaxAttempts; attempt++ {
		delay := schedule.NextBackOff()
		r.logger.DebugContext(ctx, "retrying operation",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.config.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("code", string(last.Code())),
		)

		if err := r.sleep(ctx, delay); err != nil {
			return zero, taxonomy.Wrap(err, taxonomy.WithCause(fmt.Errorf("retry interrupted: %w", err)))
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		last = taxonomy.Wrap(err)
		if !last.IsRetryable() {
			return zero, last
		}
	}

	return zero, last
}

func (r *Retry[T]) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.BaseDelay
	b.Multiplier = r.config.Backoff
	b.MaxInterval = r.config.MaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delay returns the delay before re-invocation n (1-based).
func (r *Retry[T]) Delay(n int) time.Duration {
	b := r.schedule()
	var d time.Duration
	for range max(n, 1) {
		d = b.NextBackOff()
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
