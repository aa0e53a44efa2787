// Package eventbus is an in-process publish/subscribe bus with
// priority-ordered handlers, per-handler retry and sync or async delivery.
//
// Delivery is at-least-once per handler per event and in-process only:
// nothing is persisted, so handlers never see events published before they
// subscribed.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on events that do not carry a version.
const SchemaVersion = 1

// Metadata describes an event occurrence.
type Metadata struct {
	EventID       string    `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	// CausationID references the event that caused this one. It must have
	// been published strictly earlier.
	CausationID string `json:"causationId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Locale      string `json:"locale,omitempty"`
	Version     int    `json:"version"`
}

// Event is a published notification.
type Event struct {
	Type     string   `json:"type"`
	Payload  any      `json:"payload,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType string, payload any) Event {
	return Event{
		Type:    eventType,
		Payload: payload,
		Metadata: Metadata{
			EventID:   uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Version:   SchemaVersion,
		},
	}
}

// CausedBy returns a copy of e that records parent as its cause and shares
// the parent's correlation id when e has none.
func (e Event) CausedBy(parent Event) Event {
	e.Metadata.CausationID = parent.Metadata.EventID
	if e.Metadata.CorrelationID == "" {
		e.Metadata.CorrelationID = parent.Metadata.CorrelationID
	}
	return e
}

// WithCorrelation returns a copy of e with the given correlation id.
func (e Event) WithCorrelation(id string) Event {
	e.Metadata.CorrelationID = id
	return e
}

// WithUser returns a copy of e attributed to userID.
func (e Event) WithUser(userID string) Event {
	e.Metadata.UserID = userID
	return e
}

// stamp fills in missing identity fields.
func (e *Event) stamp(now time.Time) {
	if e.Metadata.EventID == "" {
		e.Metadata.EventID = uuid.NewString()
	}
	if e.Metadata.Timestamp.IsZero() {
		e.Metadata.Timestamp = now.UTC()
	}
	if e.Metadata.Version == 0 {
		e.Metadata.Version = SchemaVersion
	}
}

// Handler reacts to events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// TypedHandler is a handler object that declares the event type it consumes.
// Handlers that also implement Prioritized are ordered by that priority.
type TypedHandler interface {
	Handler
	EventType() string
}

// Prioritized handlers are invoked before handlers with a lower priority.
type Prioritized interface {
	Priority() int
}
