package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/polisai/polis-dispatch/pkg/eventbus"
)

// CommandEvent is implemented by command lifecycle payloads.
type CommandEvent interface {
	CommandName() string
	Elapsed() time.Duration
	ErrorCode() string
}

// Analytics turns command lifecycle events and handler deliveries into
// Prometheus samples.
type Analytics struct {
	metrics *Metrics
	logger  *slog.Logger
}

// NewAnalytics creates a subscriber recording into metrics.
func NewAnalytics(metrics *Metrics, logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{metrics: metrics, logger: logger.With(slog.String("component", "analytics"))}
}

// EventType subscribes to every command lifecycle event.
func (a *Analytics) EventType() string { return "command.*" }

// Handle records one lifecycle transition.
func (a *Analytics) Handle(ctx context.Context, event eventbus.Event) error {
	payload, ok := event.Payload.(CommandEvent)
	if !ok {
		a.logger.DebugContext(ctx, "ignoring event without command payload", slog.String("event_type", event.Type))
		return nil
	}
	status := strings.TrimPrefix(event.Type, "command.")
	a.metrics.RecordCommand(payload.CommandName(), status, payload.Elapsed())
	if code := payload.ErrorCode(); code != "" {
		a.metrics.RecordCommandError(payload.CommandName(), code)
	}
	return nil
}

// ObserveDelivery records every handler delivery on the bus.
func (a *Analytics) ObserveDelivery(ctx context.Context, event eventbus.Event, sub *eventbus.Subscription, attempts int, err error) {
	failed := err != nil
	a.metrics.RecordDelivery(event.Type, failed)
	if failed {
		a.metrics.RecordHandlerFailure(event.Type, sub.Name)
	}
	RecordHandlerDelivery(ctx, event.Type, failed, max(attempts-1, 0))
}

// Attach subscribes a to bus and observes its deliveries.
func (a *Analytics) Attach(bus *eventbus.Bus) (string, error) {
	id, err := bus.SubscribeHandler(a, eventbus.WithName("analytics"))
	if err != nil {
		return "", err
	}
	bus.AddObserver(a)
	return id, nil
}
