// Package audit keeps a durable trail of command lifecycle events.
//
// The Subscriber listens to command.* on the event bus and appends one Record
// per event to a Store. Writes to the SQLite store run behind a retry and a
// circuit breaker; records that still cannot be written are held in memory
// until Flush succeeds.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/polisai/polis-dispatch/pkg/commandbus"
	"github.com/polisai/polis-dispatch/pkg/eventbus"
)

// ErrInvalidRecord is returned for events that cannot be audited.
var ErrInvalidRecord = errors.New("audit: invalid record")

// Record is one audited lifecycle event. Payload holds the sanitized event
// payload as JSON.
type Record struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Command       string          `json:"command"`
	ExecutionID   string          `json:"executionId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Outcome       string          `json:"outcome"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	DurationMS    int64           `json:"durationMs"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// Query filters List results. Limit keeps the newest matching records; zero
// returns all of them.
type Query struct {
	Command       string
	CorrelationID string
	Limit         int
}

func (q Query) matches(r Record) bool {
	if q.Command != "" && r.Command != q.Command {
		return false
	}
	if q.CorrelationID != "" && r.CorrelationID != q.CorrelationID {
		return false
	}
	return true
}

// Store persists audit records. Records come back in append order.
type Store interface {
	Append(ctx context.Context, record Record) error
	List(ctx context.Context, query Query) ([]Record, error)
	Close() error
}

// RecordFromEvent converts a lifecycle event into a record.
func RecordFromEvent(event eventbus.Event) (Record, error) {
	if event.Metadata.EventID == "" {
		return Record{}, errors.Join(ErrInvalidRecord, errors.New("event id is required"))
	}

	record := Record{
		EventID:       event.Metadata.EventID,
		EventType:     event.Type,
		CorrelationID: event.Metadata.CorrelationID,
		UserID:        event.Metadata.UserID,
		Outcome:       strings.TrimPrefix(event.Type, "command."),
		OccurredAt:    event.Metadata.Timestamp.UTC(),
	}

	var lifecycle *commandbus.Lifecycle
	switch payload := event.Payload.(type) {
	case commandbus.Lifecycle:
		lifecycle = &payload
	case *commandbus.Lifecycle:
		lifecycle = payload
	}

	if lifecycle != nil {
		record.Command = lifecycle.Command
		record.ExecutionID = lifecycle.ExecutionID
		record.ErrorCode = lifecycle.ErrorCode()
		record.DurationMS = lifecycle.DurationMS
	}

	if event.Payload != nil {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			return Record{}, errors.Join(ErrInvalidRecord, err)
		}
		record.Payload = raw
		if record.Command == "" {
			var generic struct {
				Command string `json:"command"`
			}
			_ = json.Unmarshal(raw, &generic)
			record.Command = generic.Command
		}
	}

	if record.Command == "" {
		return Record{}, errors.Join(ErrInvalidRecord, errors.New("command name is required"))
	}
	return record, nil
}
