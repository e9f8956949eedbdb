package messaging

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ClientBuilder constructs Client instances (Builder pattern).
type ClientBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration
	defaults    EnqueueOptions

	poolWorkers int
	poolBuffer  int
}

// NewClientBuilder returns a new builder with sensible defaults.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		codecName:   "json",
		ackTimeout:  5 * time.Second,
		defaults:    EnqueueOptions{MaxAttempts: 3, Backoff: DefaultBackoff()},
		poolWorkers: 4,
		poolBuffer:  1024,
	}
}

func (cb *ClientBuilder) WithTransport(name string, cfg map[string]any) *ClientBuilder {
	cb.transportName = name
	cb.transportCfg = cfg
	return cb
}

// WithTransportInstance accepts a ready Transport instance.
func (cb *ClientBuilder) WithTransportInstance(t Transport) *ClientBuilder {
	cb.transportInst = t
	return cb
}

func (cb *ClientBuilder) WithCodec(name string) *ClientBuilder {
	cb.codecName = name
	return cb
}

// WithCodecInstance accepts a ready Codec instance.
func (cb *ClientBuilder) WithCodecInstance(c Codec) *ClientBuilder {
	cb.codecInst = c
	return cb
}

func (cb *ClientBuilder) WithMiddleware(mw ...Middleware) *ClientBuilder {
	cb.middlewares = append(cb.middlewares, mw...)
	return cb
}

func (cb *ClientBuilder) WithObserver(obs ...Observer) *ClientBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

func (cb *ClientBuilder) WithLogger(l *xlog.Logger) *ClientBuilder {
	cb.logger = l
	return cb
}

func (cb *ClientBuilder) WithClock(c xclock.Clock) *ClientBuilder {
	cb.clock = c
	return cb
}

func (cb *ClientBuilder) WithAckTimeout(d time.Duration) *ClientBuilder {
	if d > 0 {
		cb.ackTimeout = d
	}
	return cb
}

// WithDefaultMaxAttempts sets the attempt budget for jobs enqueued without one.
func (cb *ClientBuilder) WithDefaultMaxAttempts(n int) *ClientBuilder {
	if n > 0 {
		cb.defaults.MaxAttempts = n
	}
	return cb
}

// WithDefaultBackoff sets the redelivery schedule for jobs enqueued without one.
func (cb *ClientBuilder) WithDefaultBackoff(b Backoff) *ClientBuilder {
	if !b.IsZero() {
		cb.defaults.Backoff = b
	}
	return cb
}

// WithObserverPool sizes the async observer dispatch pool.
func (cb *ClientBuilder) WithObserverPool(workers, bufferSize int) *ClientBuilder {
	cb.poolWorkers = workers
	cb.poolBuffer = bufferSize
	return cb
}

func (cb *ClientBuilder) Build() (*Client, error) {
	var tr Transport
	var err error

	switch {
	case cb.transportInst != nil:
		tr = cb.transportInst
	case cb.transportName != "":
		tr, err = NewTransport(cb.transportName, cb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if cb.codecInst != nil {
		cd = cb.codecInst
	} else {
		cd, err = NewCodec(cb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	c := &Client{
		transport:    tr,
		codec:        cd,
		clock:        clk,
		logger:       lg,
		middlewares:  cb.middlewares,
		ackTimeout:   cb.ackTimeout,
		defaults:     cb.defaults,
		observerPool: NewObserverPool(context.Background(), cb.poolWorkers, cb.poolBuffer, lg),
		metrics:      &clientMetrics{},
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range cb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		c.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range cb.observers {
		c.AddObserver(o)
	}

	return c, nil
}

// New constructs a Client via Builder and returns a close func for convenience.
func New(init func(b *ClientBuilder)) (*Client, func() error, error) {
	b := NewClientBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}
