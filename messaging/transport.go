package messaging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Delivery encapsulates a received envelope with Ack/Nack semantics.
type Delivery interface {
	Message() *Envelope
	// Attempt is the 1-based delivery attempt of this message.
	Attempt() int
	// MaxAttempts is the retry budget for queue jobs; 0 means unbounded (log entries).
	MaxAttempts() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Handler processes a single envelope. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active consumer loop that can be closed.
type Subscription interface {
	Close() error
}

// EnqueueOptions control job identity and redelivery for a queue job.
type EnqueueOptions struct {
	// IdempotencyKey becomes the job id when set. Enqueueing a known id is a no-op.
	IdempotencyKey string
	// MaxAttempts is the total number of deliveries including the first one.
	MaxAttempts int
	// Backoff computes the delay before redelivery.
	Backoff Backoff
}

// Transport is the Strategy interface for brokers. A transport offers a named job
// queue with retries and a dead set, and a durable append-only log with consumer groups.
type Transport interface {
	// Enqueue makes env visible to consumers of queue.
	Enqueue(ctx context.Context, queue string, env *Envelope, opts EnqueueOptions) error
	// Consume drives delivery of queue jobs in background until ctx ends or the
	// subscription is closed.
	Consume(ctx context.Context, queue string, handler func(Delivery)) (Subscription, error)
	// Append durably appends envs in order and returns their offsets.
	Append(ctx context.Context, stream string, envs ...*Envelope) ([]string, error)
	// Subscribe delivers unseen stream entries to handler within a consumer group.
	Subscribe(ctx context.Context, stream, group string, handler func(Delivery)) (Subscription, error)
	// Read returns up to limit entries with offsets strictly after the given one ("" reads from the start).
	Read(ctx context.Context, stream, after string, limit int) ([]*Envelope, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// DeadJob is a queue job that exhausted its attempts.
type DeadJob struct {
	// ID is the job id accepted by Requeue.
	ID        string
	Envelope  *Envelope
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// DeadLetterInspector is implemented by transports that expose their dead set.
type DeadLetterInspector interface {
	Dead(ctx context.Context, queue string, limit int) ([]DeadJob, error)
	Requeue(ctx context.Context, queue, id string) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, UnknownTransportError{Name: name}
	}
	return f(cfg)
}
