package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

// Response status values carried in the "status" header.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// HandlerFunc answers one request. Returning a *HandlerError replies with an error;
// any other error leaves the request to the transport's retry policy.
type HandlerFunc func(ctx context.Context, req *messaging.Envelope) (any, error)

// Responder serves the request queue, exactly one handler per kind.
type Responder struct {
	client *messaging.Client
	opts   Options
	logger *xlog.Logger
	kinds  *messaging.Kinds

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewResponder builds a Responder on client.
func NewResponder(client *messaging.Client, opts ...Option) *Responder {
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
	kinds := o.Kinds
	if kinds == nil {
		kinds = messaging.NewKinds()
	}
	return &Responder{
		client:   client,
		opts:     o,
		logger:   lg.With(xlog.Str("component", "rpc.responder"), xlog.Str("queue", o.RequestQueue)),
		kinds:    kinds,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers h for kind.
func (r *Responder) Handle(kind string, h HandlerFunc) error {
	if kind == "" {
		return messaging.ErrInvalidKind
	}
	if h == nil {
		return fmt.Errorf("rpc: nil handler for %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = h
	return nil
}

// Register binds a typed handler: the payload is decoded into Req and validated
// through the kind registry before fn runs, and fn's result becomes the response.
func Register[Req, Resp any](r *Responder, kind string, fn func(ctx context.Context, req Req) (Resp, error)) error {
	if !r.kinds.Known(kind) {
		if err := messaging.RegisterKind[Req](r.kinds, kind); err != nil {
			return err
		}
	}
	return r.Handle(kind, func(ctx context.Context, env *messaging.Envelope) (any, error) {
		v, err := r.kinds.Decode(r.client.Codec(), kind, env.Payload)
		if err != nil {
			return nil, err
		}
		req, ok := v.(Req)
		if !ok {
			return nil, &messaging.PayloadError{Kind: kind, Err: fmt.Errorf("decoded %T", v)}
		}
		return fn(ctx, req)
	})
}

// Kinds returns the registry used to decode requests.
func (r *Responder) Kinds() *messaging.Kinds { return r.kinds }

// Serve consumes the request queue until ctx ends.
func (r *Responder) Serve(ctx context.Context) error {
	sub, err := r.Start(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Close()
}

// Start consumes the request queue in background and returns the subscription.
func (r *Responder) Start(ctx context.Context) (messaging.Subscription, error) {
	return r.client.Consume(ctx, r.opts.RequestQueue, r.handle)
}

func (r *Responder) handle(ctx context.Context, env *messaging.Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.Kind]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn().Str("kind", env.Kind).Str("id", env.ID).Msg("no handler for request kind")
		return r.replyError(ctx, env, CodeUnknownKind, fmt.Sprintf("no handler for %q", env.Kind))
	}

	result, err := h(ctx, env)
	if err != nil {
		var he *HandlerError
		switch {
		case errors.As(err, &he):
			code := he.Code
			if code == "" {
				code = CodeHandlerError
			}
			return r.replyError(ctx, env, code, he.Message)
		case errors.Is(err, messaging.ErrInvalidPayload):
			return r.replyError(ctx, env, CodeInvalidPayload, err.Error())
		default:
			// Retried by the transport; the handler runs again with the same request id.
			return err
		}
	}

	data, err := r.client.Codec().Marshal(result)
	if err != nil {
		return r.replyError(ctx, env, CodeHandlerError, fmt.Sprintf("encode result: %v", err))
	}
	return r.reply(ctx, env, StatusOK, data)
}

func (r *Responder) replyError(ctx context.Context, req *messaging.Envelope, code, msg string) error {
	data, err := r.client.Codec().Marshal(ErrorReply{Code: code, Message: msg})
	if err != nil {
		return err
	}
	return r.reply(ctx, req, StatusError, data)
}

// reply enqueues the response under "response-"+correlationId so a redelivered
// request produces one response job.
func (r *Responder) reply(ctx context.Context, req *messaging.Envelope, status string, data []byte) error {
	corr := req.Meta(messaging.MetaCorrelationID)
	if corr == "" {
		corr = req.ID
	}
	replyTo := req.Meta(messaging.MetaReplyTo)
	if replyTo == "" {
		replyTo = r.opts.ReplyQueue
	}

	id := responsePrefix + corr
	resp := &messaging.Envelope{
		ID:      id,
		Kind:    req.Kind,
		Payload: data,
		Metadata: map[string]string{
			messaging.MetaCorrelationID: corr,
			messaging.MetaStatus:        status,
		},
	}

	opts := []messaging.EnqueueOption{
		messaging.WithIdempotencyKey(id),
		messaging.WithMaxAttempts(r.opts.MaxAttempts),
	}
	if !r.opts.Backoff.IsZero() {
		opts = append(opts, messaging.WithBackoff(r.opts.Backoff))
	}
	return r.client.Enqueue(ctx, replyTo, resp, opts...)
}
