package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

// Use builds a Client over a fresh in-memory transport.
//
// Example:
//
//	client := memory.Use(memory.Config{QueueConcurrency: 8},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
func Use(cfg Config, opts ...Option) *messaging.Client {
	bb := messaging.NewClientBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	client, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return client
}

// Option configures the messaging.Client when calling Use.
type Option func(*messaging.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *messaging.ClientBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *messaging.ClientBuilder) { b.WithClock(c) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...messaging.Middleware) Option {
	return func(b *messaging.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *messaging.ClientBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...messaging.Observer) Option {
	return func(b *messaging.ClientBuilder) { b.WithObserver(obs...) }
}

// WithDefaults sets the attempt budget and backoff for jobs enqueued without their own.
func WithDefaults(maxAttempts int, backoff messaging.Backoff) Option {
	return func(b *messaging.ClientBuilder) {
		b.WithDefaultMaxAttempts(maxAttempts).WithDefaultBackoff(backoff)
	}
}
