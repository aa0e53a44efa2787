package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

var (
	// ErrEmptyEventType is returned when publishing or subscribing without a type.
	ErrEmptyEventType = errors.New("eventbus: event type is required")
	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("eventbus: handler is required")
	// ErrInvalidPattern is returned when a glob subscription does not compile.
	ErrInvalidPattern = errors.New("eventbus: invalid subscription pattern")
	// ErrSelfCausation is returned when an event names itself as its cause.
	ErrSelfCausation = errors.New("eventbus: event cannot cause itself")
	// ErrUnknownCause is returned when the causation id does not name an event
	// published earlier on this bus, or one older than the causation window.
	ErrUnknownCause = errors.New("eventbus: causation id does not name a published event")
	// ErrDuplicateEvent is returned when an event id has already been published.
	ErrDuplicateEvent = errors.New("eventbus: event already published")
	// ErrClosed is returned when publishing on a closed bus.
	ErrClosed = errors.New("eventbus: bus is closed")
)

// Mode selects how Publish delivers events.
type Mode string

const (
	// ModeSync waits for every handler before Publish returns.
	ModeSync Mode = "sync"
	// ModeAsync delivers in a detached goroutine; Close waits for them.
	ModeAsync Mode = "async"
)

// HandlerError reports a handler that failed permanently for one event.
type HandlerError struct {
	Event          Event
	SubscriptionID string
	Subscriber     string
	Attempts       int
	Err            error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s after %d attempts: %v",
		e.Subscriber, e.Event.Type, e.Attempts, e.Err)
}

// Unwrap returns the last handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DeliveryObserver is notified after every handler delivery, successful or
// not. err is nil on success.
type DeliveryObserver interface {
	ObserveDelivery(ctx context.Context, event Event, sub *Subscription, attempts int, err error)
}

// Config controls bus behaviour.
type Config struct {
	Mode Mode
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration
	// CausationWindow is how many published ids are remembered for causation
	// and duplicate checks. A cause that has fallen out of the window is
	// rejected like one never published.
	CausationWindow int
	Logger          *slog.Logger
	// OnError receives permanent handler failures.
	OnError func(*HandlerError)
	// Observers receive every delivery outcome.
	Observers []DeliveryObserver
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeSync,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		CausationWindow: 1024,
	}
}

// Bus is an in-process event bus.
type Bus struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscription
	seq     uint64
	journal *journal
	closed  bool

	inflight sync.WaitGroup
	now      func() time.Time
}

// New creates a bus.
func New(config Config) *Bus {
	if config.Mode == "" {
		config.Mode = ModeSync
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		config:  config,
		logger:  logger.With(slog.String("component", "eventbus")),
		subs:    make(map[string]*Subscription),
		journal: newJournal(config.CausationWindow),
		now:     time.Now,
	}
}

// Mode returns the delivery mode.
func (b *Bus) Mode() Mode {
	return b.config.Mode
}

// AddObserver registers a delivery observer.
func (b *Bus) AddObserver(o DeliveryObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config.Observers = append(b.config.Observers, o)
}

// Subscribe registers handler for eventType, which may be an exact type, the
// "*" wildcard or a glob pattern such as "command.*".
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (string, error) {
	if eventType == "" {
		return "", ErrEmptyEventType
	}
	if handler == nil {
		return "", ErrNilHandler
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Target:  eventType,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.Name == "" {
		sub.Name = fmt.Sprintf("%T", handler)
	}
	if isPattern(eventType) {
		g, err := compilePattern(eventType)
		if err != nil {
			return "", err
		}
		sub.pattern = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub.seq = b.seq
	b.subs[sub.ID] = sub

	b.logger.Debug("subscribed",
		slog.String("subscription_id", sub.ID),
		slog.String("target", eventType),
		slog.Int("priority", sub.Priority),
	)
	return sub.ID, nil
}

// SubscribeFunc registers a function handler.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error, opts ...SubscribeOption) (string, error) {
	if fn == nil {
		return "", ErrNilHandler
	}
	return b.Subscribe(eventType, HandlerFunc(fn), opts...)
}

// SubscribeHandler registers a handler object under its declared event type
// and, if it implements Prioritized, its declared priority.
func (b *Bus) SubscribeHandler(h TypedHandler, opts ...SubscribeOption) (string, error) {
	if h == nil {
		return "", ErrNilHandler
	}
	if p, ok := h.(Prioritized); ok {
		opts = append([]SubscribeOption{WithPriority(p.Priority())}, opts...)
	}
	return b.Subscribe(h.EventType(), h, opts...)
}

// Unsubscribe removes a subscription by id and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// UnsubscribeAll removes every subscription registered for target. An empty
// target removes all subscriptions. It returns the number removed.
func (b *Bus) UnsubscribeAll(target string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, sub := range b.subs {
		if target == "" || sub.Target == target {
			delete(b.subs, id)
			removed++
		}
	}
	return removed
}

// SubscriberCount returns how many subscriptions would receive an event of
// eventType, including wildcard and pattern subscriptions.
func (b *Bus) SubscriberCount(eventType string) int {
	return len(b.resolve(eventType))
}

// Subscriptions returns a snapshot of the subscriptions that would receive
// eventType, in delivery order.
func (b *Bus) Subscriptions(eventType string) []Subscription {
	subs := b.resolve(eventType)
	out := make([]Subscription, len(subs))
	for i, s := range subs {
		out[i] = *s
	}
	return out
}

func (b *Bus) resolve(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.Matches(eventType) {
			matched = append(matched, sub)
		}
	}
	sortSubscriptions(matched)
	return matched
}

// Publish stamps, validates and delivers event. It returns the stamped event.
// In sync mode it returns after every handler has run; handler failures are
// logged and reported to OnError but never returned. In async mode delivery
// happens in a detached goroutine.
func (b *Bus) Publish(ctx context.Context, event Event) (Event, error) {
	if event.Type == "" {
		return event, ErrEmptyEventType
	}
	event.stamp(b.now())

	if err := b.record(event); err != nil {
		return event, err
	}

	subs := b.resolve(event.Type)
	logger := b.logger.With(
		slog.String("event_type", event.Type),
		slog.String("event_id", event.Metadata.EventID),
	)
	if event.Metadata.CorrelationID != "" {
		logger = logger.With(slog.String("correlation_id", event.Metadata.CorrelationID))
	}
	logger.DebugContext(ctx, "publishing event", slog.Int("subscribers", len(subs)))

	if len(subs) == 0 {
		b.inflight.Done()
		return event, nil
	}

	if b.config.Mode == ModeAsync {
		detached := context.WithoutCancel(ctx)
		go func() {
			defer b.inflight.Done()
			b.dispatch(detached, logger, event, subs)
		}()
		return event, nil
	}

	defer b.inflight.Done()
	b.dispatch(ctx, logger, event, subs)
	return event, nil
}

// record validates causation and reserves an in-flight slot.
func (b *Bus) record(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	id := event.Metadata.EventID
	if event.Metadata.CausationID == id {
		return fmt.Errorf("%w: %s", ErrSelfCausation, id)
	}
	if b.journal.contains(id) {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, id)
	}
	if c := event.Metadata.CausationID; c != "" && !b.journal.contains(c) {
		return fmt.Errorf("%w: %s caused by %s", ErrUnknownCause, id, c)
	}
	b.journal.add(id)
	b.inflight.Add(1)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, logger *slog.Logger, event Event, subs []*Subscription) {
	for _, sub := range subs {
		attempts, err := b.deliver(ctx, event, sub)
		b.observe(ctx, event, sub, attempts, err)
		if err == nil {
			continue
		}

		herr := &HandlerError{
			Event:          event,
			SubscriptionID: sub.ID,
			Subscriber:     sub.Name,
			Attempts:       attempts,
			Err:            err,
		}
		logger.ErrorContext(ctx, "event handler failed",
			slog.String("subscription_id", sub.ID),
			slog.String("subscriber", sub.Name),
			slog.Int("attempts", attempts),
			slog.Any("error", taxonomy.Wrap(err)),
		)
		if b.config.OnError != nil {
			b.config.OnError(herr)
		}
	}
}

// deliver invokes one handler with retries and returns the attempt count and
// the last error.
func (b *Bus) deliver(ctx context.Context, event Event, sub *Subscription) (int, error) {
	maxAttempts := 1 + b.config.MaxRetries
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 && b.config.RetryDelay > 0 {
			time.Sleep(b.config.RetryDelay)
		}
		if err = invoke(ctx, sub.handler, event); err == nil {
			return attempt, nil
		}
		b.logger.DebugContext(ctx, "event handler attempt failed",
			slog.String("event_type", event.Type),
			slog.String("subscriber", sub.Name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return maxAttempts, err
}

func invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taxonomy.From(r, taxonomy.WithDetail("panic", true))
		}
	}()
	return h.Handle(ctx, event)
}

func (b *Bus) observe(ctx context.Context, event Event, sub *Subscription, attempts int, err error) {
	b.mu.RLock()
	observers := b.config.Observers
	b.mu.RUnlock()
	for _, o := range observers {
		o.ObserveDelivery(ctx, event, sub, attempts, err)
	}
}

// Close stops accepting events and waits for in-flight deliveries, or until
// ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
