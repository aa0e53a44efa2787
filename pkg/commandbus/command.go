// Package commandbus is the single entry point for state-changing operations.
//
// Commands are registered by name and executed through a fixed pipeline:
// before-middleware, validation, execution, history recording, after
// middleware and a sanitized lifecycle event. Undoable commands land in a
// bounded history that backs Undo and Redo.
package commandbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Metadata is the per-invocation envelope threaded through every event and
// error produced by one execution.
type Metadata struct {
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Locale        string    `json:"locale,omitempty"`
}

// complete fills the correlation id and timestamp when absent.
func (m Metadata) complete(now time.Time) Metadata {
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now.UTC()
	}
	return m
}

// Command is a named state-changing operation.
type Command interface {
	Name() string
	Execute(ctx context.Context, input any, meta Metadata) (any, error)
}

// Describer is implemented by commands with a human description.
type Describer interface {
	Description() string
}

// Validator is implemented by commands that check their input. Returning
// false rejects the input with a validation error; returning an error fails
// the command with that error.
type Validator interface {
	Validate(ctx context.Context, input any) (bool, error)
}

// Undoer is implemented by undoable commands. Only executions of undoable
// commands are recorded in history.
type Undoer interface {
	Undo(ctx context.Context, entry ExecutedCommand) error
}

// Redoer is implemented by commands with a dedicated redo path. Commands
// without one are redone by executing again with the original input.
type Redoer interface {
	Redo(ctx context.Context, entry ExecutedCommand) (any, error)
}

// ExecutedCommand is one history entry.
type ExecutedCommand struct {
	ID         string
	Name       string
	Command    Command `json:"-"`
	Input      any
	Output     any
	Metadata   Metadata
	ExecutedAt time.Time
	Duration   time.Duration
	Undoable   bool
}

func describe(cmd Command) string {
	if d, ok := cmd.(Describer); ok {
		return d.Description()
	}
	return ""
}

func isUndoable(cmd Command) bool {
	_, ok := cmd.(Undoer)
	return ok
}
