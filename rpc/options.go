package rpc

import (
	"time"

	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

const (
	DefaultRequestQueue  = "requests"
	DefaultResponseQueue = "responses"
	DefaultTimeout       = 30 * time.Second
	DefaultMaxAttempts   = 3
)

// Options configure a Caller or a Responder. Fields that do not apply to one side are ignored.
type Options struct {
	RequestQueue string
	// ReplyQueue is where a Caller receives responses and the Responder's fallback
	// when a request carries no reply_to header.
	ReplyQueue  string
	Timeout     time.Duration
	MaxPending  int
	MaxAttempts int
	Backoff     messaging.Backoff
	Logger      *xlog.Logger
	Kinds       *messaging.Kinds
	// OnCall observes every finished call on the Caller side.
	OnCall func(kind string, d time.Duration, err error)
}

func defaultOptions() Options {
	return Options{
		RequestQueue: DefaultRequestQueue,
		ReplyQueue:   DefaultResponseQueue,
		Timeout:      DefaultTimeout,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Option adjusts Options.
type Option func(*Options)

func WithRequestQueue(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.RequestQueue = name
		}
	}
}

func WithReplyQueue(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.ReplyQueue = name
		}
	}
}

// WithDefaultTimeout sets the deadline used by calls that do not pass WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithMaxPending bounds the number of in-flight calls (0 = unbounded).
func WithMaxPending(n int) Option {
	return func(o *Options) { o.MaxPending = n }
}

// WithMaxAttempts sets the delivery budget of requests and responses.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithBackoff sets the redelivery schedule of requests and responses.
func WithBackoff(b messaging.Backoff) Option {
	return func(o *Options) { o.Backoff = b }
}

func WithLogger(l *xlog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithKinds shares a kind registry (requests on the Responder side).
func WithKinds(k *messaging.Kinds) Option {
	return func(o *Options) { o.Kinds = k }
}

// WithCallObserver installs a hook invoked once per finished call.
func WithCallObserver(fn func(kind string, d time.Duration, err error)) Option {
	return func(o *Options) { o.OnCall = fn }
}

type callOptions struct {
	timeout     time.Duration
	maxAttempts int
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

// WithTimeout overrides the call deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithAttempts overrides the delivery budget of the request job.
func WithAttempts(n int) CallOption {
	return func(o *callOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
