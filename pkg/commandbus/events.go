package commandbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/polis-dispatch/pkg/eventbus"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// Lifecycle event types.
const (
	EventExecuted = "command.executed"
	EventFailed   = "command.failed"
	EventUndone   = "command.undone"
	EventRedone   = "command.redone"
)

// Publisher delivers lifecycle events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event) (eventbus.Event, error)
}

// Lifecycle is the payload of every command lifecycle event. Input and
// Output are sanitized.
type Lifecycle struct {
	Command     string             `json:"command"`
	Description string             `json:"description,omitempty"`
	ExecutionID string             `json:"executionId,omitempty"`
	Input       any                `json:"input,omitempty"`
	Output      any                `json:"output,omitempty"`
	DurationMS  int64              `json:"durationMs"`
	Undoable    bool               `json:"undoable"`
	Metadata    Metadata           `json:"metadata"`
	Error       *taxonomy.Response `json:"error,omitempty"`
}

// CommandName returns the command name.
func (l Lifecycle) CommandName() string { return l.Command }

// Elapsed returns the execution duration.
func (l Lifecycle) Elapsed() time.Duration { return time.Duration(l.DurationMS) * time.Millisecond }

// ErrorCode returns the failure code, empty on success.
func (l Lifecycle) ErrorCode() string {
	if l.Error == nil {
		return ""
	}
	return string(l.Error.Code)
}

func (b *Bus) lifecycle(cmd Command, name string, input, output any, meta Metadata, elapsed time.Duration) Lifecycle {
	return Lifecycle{
		Command:     name,
		Description: describe(cmd),
		Input:       b.sanitizer.Sanitize(input),
		Output:      b.sanitizer.Sanitize(output),
		DurationMS:  elapsed.Milliseconds(),
		Undoable:    isUndoable(cmd),
		Metadata:    meta,
	}
}

// publish sends a lifecycle event. Failures are logged, never returned.
func (b *Bus) publish(ctx context.Context, eventType string, payload Lifecycle) {
	if b.publisher == nil {
		return
	}
	meta := payload.Metadata
	event := eventbus.NewEvent(eventType, payload).
		WithCorrelation(meta.CorrelationID).
		WithUser(meta.UserID)
	event.Metadata.Locale = meta.Locale

	if _, err := b.publisher.Publish(ctx, event); err != nil {
		b.logger.WarnContext(ctx, "failed to publish lifecycle event",
			slog.String("event_type", eventType),
			slog.String("command", payload.Command),
			slog.String("correlation_id", meta.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}
