package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable reports that the broker could not accept a message.
	ErrTransportUnavailable = errors.New("messaging: transport unavailable")
	// ErrDeliveryExhausted reports a queue job that ran out of attempts and was moved to the dead set.
	ErrDeliveryExhausted = errors.New("messaging: delivery exhausted")

	ErrClientClosed                = errors.New("messaging: client closed")
	ErrNoTransportConfigured       = errors.New("messaging: no transport configured")
	ErrInvalidQueue                = errors.New("messaging: queue name must not be empty")
	ErrInvalidStream               = errors.New("messaging: stream name must not be empty")
	ErrInvalidKind                 = errors.New("messaging: kind must not be empty")
	ErrInvalidSubscription         = errors.New("messaging: subscription needs name, group and handler")
	ErrHandlerPanic                = errors.New("messaging: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("messaging: observer pool shutdown timeout")
	ErrUnknownKind                 = errors.New("messaging: unknown kind")
	ErrNotInspectable              = errors.New("messaging: transport does not expose a dead set")
)

// UnknownTransportError is returned by NewTransport for unregistered names.
type UnknownTransportError struct{ Name string }

func (e UnknownTransportError) Error() string { return fmt.Sprintf("unknown transport: %s", e.Name) }

// TransportError wraps a broker failure on a publishing operation.
// It matches ErrTransportUnavailable with errors.Is.
type TransportError struct {
	Op     string
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messaging: %s %q: transport unavailable: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransportUnavailable }

// ExhaustedError describes a job moved to the dead set.
type ExhaustedError struct {
	Queue    string
	JobID    string
	Kind     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("messaging: job %s (%s) on %q exhausted after %d attempts: %v",
		e.JobID, e.Kind, e.Queue, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrDeliveryExhausted }
