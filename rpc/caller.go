package rpc

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

const responsePrefix = "response-"

// Caller issues requests on the request queue and awaits correlated responses on
// its reply queue. Each Caller owns its pending table.
type Caller struct {
	client  *messaging.Client
	opts    Options
	logger  *xlog.Logger
	clock   xclock.Clock
	pending *pendingTable

	mu      sync.Mutex
	sub     messaging.Subscription
	started bool
	closed  bool
}

// NewCaller builds a Caller on client. Start must run before Call.
func NewCaller(client *messaging.Client, opts ...Option) *Caller {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	lg := o.Logger
	if lg == nil {
		lg = client.Logger()
	}
	return &Caller{
		client:  client,
		opts:    o,
		logger:  lg.With(xlog.Str("component", "rpc.caller"), xlog.Str("reply_queue", o.ReplyQueue)),
		clock:   client.Clock(),
		pending: newPendingTable(o.MaxPending),
	}
}

// Start consumes the reply queue. It returns once the consumer is running.
func (c *Caller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCallerClosed
	}
	if c.started {
		return nil
	}
	sub, err := c.client.Consume(ctx, c.opts.ReplyQueue, c.handleResponse)
	if err != nil {
		return err
	}
	c.sub = sub
	c.started = true
	return nil
}

// Close stops the reply consumer and fails every pending call with ErrCallerClosed.
func (c *Caller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	if n := c.pending.failAll(ErrCallerClosed); n > 0 {
		c.logger.Warn().Str("calls", strconv.Itoa(n)).Msg("pending calls aborted on close")
	}
	return err
}

// Pending reports the number of in-flight calls.
func (c *Caller) Pending() int { return c.pending.len() }

// Call sends req under kind and waits for the response payload. It returns exactly one of:
// the payload, a *TimeoutError, a *HandlerError, a *messaging.TransportError when the
// request could not be enqueued, or ctx.Err() if ctx ends first.
func (c *Caller) Call(ctx context.Context, kind string, req any, opts ...CallOption) ([]byte, error) {
	co := callOptions{timeout: c.opts.Timeout, maxAttempts: c.opts.MaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(&co)
		}
	}

	c.mu.Lock()
	closed, started := c.closed, c.started
	c.mu.Unlock()
	switch {
	case closed:
		return nil, ErrCallerClosed
	case !started:
		return nil, ErrNotStarted
	}
	start := c.clock.Now()
	payload, err := c.call(ctx, kind, req, co)
	if c.opts.OnCall != nil {
		c.opts.OnCall(kind, c.clock.Since(start), err)
	}
	return payload, err
}

func (c *Caller) call(ctx context.Context, kind string, req any, co callOptions) ([]byte, error) {
	env, err := c.client.NewEnvelope(kind, req)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	env.ID = id
	env.SetMeta(messaging.MetaReplyTo, c.opts.ReplyQueue)
	env.SetMeta(messaging.MetaCorrelationID, id)

	call := &pendingCall{
		id:       id,
		kind:     kind,
		deadline: c.clock.Now().Add(co.timeout),
		done:     make(chan outcome, 1),
	}
	timeout := co.timeout
	if err := c.pending.add(call, timeout, func() {
		c.pending.complete(id, outcome{err: &TimeoutError{Kind: kind, CorrelationID: id, After: timeout}})
	}); err != nil {
		return nil, err
	}

	enqOpts := []messaging.EnqueueOption{
		messaging.WithIdempotencyKey(id),
		messaging.WithMaxAttempts(co.maxAttempts),
	}
	if !c.opts.Backoff.IsZero() {
		enqOpts = append(enqOpts, messaging.WithBackoff(c.opts.Backoff))
	}
	if err := c.client.Enqueue(ctx, c.opts.RequestQueue, env, enqOpts...); err != nil {
		// Fail fast: the call never reached the broker, nothing stays pending.
		c.pending.remove(id)
		return nil, err
	}

	select {
	case o := <-call.done:
		return o.payload, o.err
	case <-ctx.Done():
		if _, mine := c.pending.remove(id); mine {
			return nil, ctx.Err()
		}
		// Another path completed the call concurrently; its outcome wins.
		o := <-call.done
		return o.payload, o.err
	}
}

// handleResponse completes the pending call a response belongs to. Responses
// whose call is gone (timed out, cancelled, other process) are acked and dropped.
func (c *Caller) handleResponse(_ context.Context, env *messaging.Envelope) error {
	id := env.Meta(messaging.MetaCorrelationID)
	if id == "" {
		id = strings.TrimPrefix(env.ID, responsePrefix)
	}

	o := outcome{payload: env.Payload}
	if env.Meta(messaging.MetaStatus) == StatusError {
		var reply ErrorReply
		if err := c.client.Codec().Unmarshal(env.Payload, &reply); err != nil {
			reply = ErrorReply{Code: CodeHandlerError, Message: string(env.Payload)}
		}
		o = outcome{err: &HandlerError{Kind: env.Kind, Code: reply.Code, Message: reply.Message}}
	}

	if !c.pending.complete(id, o) {
		c.logger.Debug().
			Str("correlation_id", id).
			Str("kind", env.Kind).
			Msg("late response discarded")
	}
	return nil
}

// Invoke is Call with the response decoded into Resp.
func Invoke[Resp any](ctx context.Context, c *Caller, kind string, req any, opts ...CallOption) (Resp, error) {
	var out Resp
	payload, err := c.Call(ctx, kind, req, opts...)
	if err != nil {
		return out, err
	}
	if len(payload) == 0 {
		return out, nil
	}
	if err := c.client.Codec().Unmarshal(payload, &out); err != nil {
		return out, &messaging.PayloadError{Kind: kind, Err: err}
	}
	return out, nil
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
