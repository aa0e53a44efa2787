package recovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

// Manager tries strategies in registration order. The first strategy whose
// CanRecover returns true is invoked; if it fails, the next one is tried.
type Manager[T any] struct {
	mu         sync.RWMutex
	strategies []Strategy[T]
	logger     *slog.Logger
}

// NewManager creates a manager with the given strategies, in priority order.
func NewManager[T any](logger *slog.Logger, strategies ...Strategy[T]) *Manager[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager[T]{
		strategies: append([]Strategy[T](nil), strategies...),
		logger:     logger,
	}
}

// Register appends a strategy. Registration order is priority order.
func (m *Manager[T]) Register(s Strategy[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = append(m.strategies, s)
}

// Strategies returns the registered strategy names in order.
func (m *Manager[T]) Strategies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.strategies))
	for i, s := range m.strategies {
		names[i] = s.Name()
	}
	return names
}

// Execute runs op and, if it fails, attempts recovery.
func (m *Manager[T]) Execute(ctx context.Context, op Operation[T]) Result[T] {
	value, err := op(ctx)
	if err == nil {
		return Result[T]{Value: value}
	}
	return m.Recover(ctx, err)
}

// Recover attempts to produce a value for err. The returned Result carries the
// original error mapped into the taxonomy when every strategy is exhausted.
func (m *Manager[T]) Recover(ctx context.Context, err error) Result[T] {
	original := taxonomy.Wrap(err)
	if original == nil {
		return Result[T]{}
	}

	m.mu.RLock()
	strategies := append([]Strategy[T](nil), m.strategies...)
	m.mu.RUnlock()

	logger := m.logger.With(slog.Any("error", original))
	result := Result[T]{Err: original}

	for _, s := range strategies {
		name := s.Name()
		if !s.CanRecover(original) {
			telemetry.RecordRecoveryAttempt(ctx, name, string(original.Code()), telemetry.OutcomeSkipped)
			continue
		}

		result.Attempts = append(result.Attempts, name)
		value, rerr := s.Recover(ctx, original)
		if rerr != nil {
			telemetry.RecordRecoveryAttempt(ctx, name, string(original.Code()), telemetry.OutcomeFailed)
			logger.WarnContext(ctx, "recovery strategy failed",
				slog.String("strategy", name),
				slog.String("strategy_error", rerr.Error()),
			)
			continue
		}

		telemetry.RecordRecoveryAttempt(ctx, name, string(original.Code()), telemetry.OutcomeRecovered)
		telemetry.RecordRecoveryResult(ctx, string(original.Code()), true)
		logger.InfoContext(ctx, "recovered from error", slog.String("strategy", name))

		result.Value = value
		result.Recovered = true
		result.Strategy = name
		result.Err = nil
		return result
	}

	telemetry.RecordRecoveryResult(ctx, string(original.Code()), false)
	logger.Log(ctx, original.LogLevel(), "recovery exhausted", slog.Any("attempts", result.Attempts))
	return result
}
