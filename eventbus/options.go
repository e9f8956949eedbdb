package eventbus

import (
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

// DefaultStream is the log all domain events are appended to.
const DefaultStream = "kanban-events"

type options struct {
	stream    string
	origin    string
	kinds     *messaging.Kinds
	logger    *xlog.Logger
	listenMW  []messaging.Middleware
	onFailure func(ev Event, err error)
}

// Option configures a Bus.
type Option func(*options)

// WithStream overrides the log stream name.
func WithStream(name string) Option {
	return func(o *options) {
		if name != "" {
			o.stream = name
		}
	}
}

// WithOrigin tags every published event with origin so listeners can tell
// their own process's events apart.
func WithOrigin(origin string) Option {
	return func(o *options) { o.origin = origin }
}

// WithKinds supplies the registry used to validate outgoing and decode incoming payloads.
func WithKinds(k *messaging.Kinds) Option {
	return func(o *options) { o.kinds = k }
}

func WithLogger(l *xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithListenRetry retries durable listener handlers in process before the entry is left pending.
func WithListenRetry(cfg messaging.RetryConfig) Option {
	return func(o *options) { o.listenMW = append(o.listenMW, messaging.RetryMiddleware(cfg)) }
}

// WithListenMiddleware adds middleware around durable listener handlers.
func WithListenMiddleware(mw ...messaging.Middleware) Option {
	return func(o *options) { o.listenMW = append(o.listenMW, mw...) }
}

// WithFailureHook is called for every local handler that fails or panics.
func WithFailureHook(fn func(ev Event, err error)) Option {
	return func(o *options) { o.onFailure = fn }
}
