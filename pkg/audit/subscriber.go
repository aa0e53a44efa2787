package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-dispatch/pkg/eventbus"
	"github.com/polisai/polis-dispatch/pkg/recovery"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// SubscriberName identifies the audit subscription on the bus.
const SubscriberName = "audit"

// Config configures a Subscriber.
type Config struct {
	Store Store
	Retry recovery.RetryConfig
	// BreakerThreshold and BreakerTimeout configure the store circuit breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// SpillCapacity bounds the records held while the store is unavailable.
	SpillCapacity int
	Logger        *slog.Logger
}

// Subscriber appends every command lifecycle event to a Store.
type Subscriber struct {
	store   Store
	retry   *recovery.Retry[struct{}]
	breaker *recovery.CircuitBreaker[struct{}]
	spill   *MemoryStore
	flushMu sync.Mutex
	logger  *slog.Logger
}

// NewSubscriber creates an audit subscriber. A nil Store selects an
// in-memory store.
func NewSubscriber(cfg Config) *Subscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "audit"))

	store := cfg.Store
	if store == nil {
		store = NewMemoryStore(0)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = recovery.DefaultRetryConfig()
	}

	return &Subscriber{
		store: store,
		retry: recovery.NewRetry[struct{}](cfg.Retry, nil).WithLogger(logger),
		breaker: recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig[struct{}]{
			Name:      "audit-store",
			Threshold: cfg.BreakerThreshold,
			Timeout:   cfg.BreakerTimeout,
			Logger:    logger,
		}),
		spill:  NewMemoryStore(cfg.SpillCapacity),
		logger: logger,
	}
}

// EventType implements eventbus.TypedHandler.
func (s *Subscriber) EventType() string { return "command.*" }

// Priority places auditing ahead of other command subscribers.
func (s *Subscriber) Priority() int { return 100 }

// Attach subscribes s to bus.
func (s *Subscriber) Attach(bus *eventbus.Bus) (string, error) {
	return bus.SubscribeHandler(s, eventbus.WithName(SubscriberName))
}

// Store returns the backing store.
func (s *Subscriber) Store() Store { return s.store }

// Handle implements eventbus.Handler.
func (s *Subscriber) Handle(ctx context.Context, event eventbus.Event) error {
	record, err := RecordFromEvent(event)
	if err != nil {
		return taxonomy.Validation("event cannot be audited",
			taxonomy.WithCause(err),
			taxonomy.WithDetail("event_type", event.Type),
		)
	}

	manager := recovery.NewManager[struct{}](s.logger, recovery.NewFallbackFunc(
		func(ctx context.Context, _ *taxonomy.Error) (struct{}, error) {
			return struct{}{}, s.spill.Append(ctx, record)
		},
		taxonomy.CodeCircuitOpen, taxonomy.CodeDatabase, taxonomy.CodeServiceUnavailable, taxonomy.CodeTimeout,
	))

	result := manager.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return s.write(ctx, record)
	})
	if result.Recovered {
		s.logger.WarnContext(ctx, "audit store unavailable, record held in memory",
			slog.String("event_id", record.EventID),
			slog.String("command", record.Command),
			slog.Int("pending", s.spill.Len()),
		)
	}
	_, err = result.Unwrap()
	return err
}

func (s *Subscriber) write(ctx context.Context, record Record) (struct{}, error) {
	return s.breaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return s.retry.Execute(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.store.Append(ctx, record)
		})
	})
}

// Pending returns the number of records waiting for Flush.
func (s *Subscriber) Pending() int {
	return s.spill.Len()
}

// BreakerState reports the store circuit breaker state.
func (s *Subscriber) BreakerState() recovery.CircuitBreakerState {
	return s.breaker.State()
}

// Flush writes held records to the store in order and stops at the first
// failure. It returns how many records were written.
func (s *Subscriber) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	pending, err := s.spill.List(ctx, Query{})
	if err != nil {
		return 0, err
	}

	// Handle may spill, and evict, while records are being written.
	written := make(map[string]struct{}, len(pending))
	for _, record := range pending {
		if _, err = s.write(ctx, record); err != nil {
			break
		}
		written[record.EventID] = struct{}{}
	}
	s.spill.remove(written)

	if len(written) > 0 {
		s.logger.InfoContext(ctx, "flushed held audit records",
			slog.Int("written", len(written)),
			slog.Int("pending", s.spill.Len()),
		)
	}
	return len(written), err
}

// Close closes the backing store.
func (s *Subscriber) Close() error {
	return s.store.Close()
}
