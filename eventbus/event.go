package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Event is an immutable domain fact.
type Event struct {
	ID          string
	Name        string
	AggregateID string
	// OccurredOn is set when the event is created and never changed.
	OccurredOn time.Time
	// Payload is the typed value. Events read back from the log carry the
	// value registered for Name in the kind registry, or json.RawMessage.
	Payload any
	// Offset is the log position; set once the event was appended or read.
	Offset string
	// Origin names the publishing bus when it was configured WithOrigin.
	Origin string
}

// NewEvent stamps a fresh id and the current time.
func NewEvent(name, aggregateID string, payload any) Event {
	return newEvent(xclock.Default(), name, aggregateID, payload)
}

func newEvent(clock xclock.Clock, name, aggregateID string, payload any) Event {
	return Event{
		ID:          uuid.NewString(),
		Name:        name,
		AggregateID: aggregateID,
		OccurredOn:  clock.Now(),
		Payload:     payload,
	}
}

// Handler reacts to an event. Errors from local handlers are logged, never returned to the publisher.
type Handler func(ctx context.Context, ev Event) error
