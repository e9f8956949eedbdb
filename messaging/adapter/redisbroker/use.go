package redisbroker

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

const TransportName = "redis"

func init() {
	if err := messaging.RegisterTransport(TransportName, func(cfg map[string]any) (messaging.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("messaging: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Client over Redis.
//
// Example:
//
//	cfg := redisbroker.Defaults()
//	cfg.URL = "redis://localhost:6379/0"
//	client, err := redisbroker.Use(cfg,
//	    redisbroker.WithLogger(logger),
//	    redisbroker.WithMiddleware(messaging.TimeoutMiddleware(30*time.Second)),
//	)
func Use(cfg Config, opts ...Option) (*messaging.Client, error) {
	bb := messaging.NewClientBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	return bb.Build()
}

// Option configures the messaging.Client construction when calling Use.
type Option func(*messaging.ClientBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *messaging.ClientBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *messaging.ClientBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *messaging.ClientBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...messaging.Middleware) Option {
	return func(b *messaging.ClientBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
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
