package messaging

import (
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates internal lifecycle events for the Observer pattern.
type EventType string

const (
	EnqueueDone  EventType = "enqueue_done"
	AppendDone   EventType = "append_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	DeadLettered EventType = "dead_lettered"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type EventType
	// Target is the queue or stream name.
	Target    string
	Group     string
	MessageID string
	Kind      string
	Attempt   int
	Count     int
	Duration  time.Duration
	Err       error

	observers []Observer
}

// Observer receives client lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits lifecycle events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("target", e.Target),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("kind", e.Kind),
	)
	switch e.Type {
	case DeadLettered:
		ev.Error().Err(e.Err).Str("attempt", strconv.Itoa(e.Attempt)).Msg("delivery exhausted, moved to dead set")
	case Error, Nack:
		ev.Warn().Err(e.Err).Msg("messaging event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("messaging event")
	}
}
