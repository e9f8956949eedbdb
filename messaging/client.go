package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Client is the Facade over a Transport: it encodes payloads, stamps identity and
// time, maps broker failures to ErrTransportUnavailable and drives handlers with
// middleware, ack/nack, observers and metrics.
type Client struct {
	transport    Transport
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	defaults     EnqueueOptions
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *clientMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// clientMetrics uses lock-free atomics.
type clientMetrics struct {
	enqueueCount atomic.Uint64
	appendCount  atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	deadCount    atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Metrics is a snapshot of client telemetry.
type Metrics struct {
	Enqueued            uint64
	Appended            uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	DeadLettered        uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates client health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// EnqueueOption adjusts the options of a single Enqueue call.
type EnqueueOption func(*EnqueueOptions)

// WithIdempotencyKey sets the job id used for dedup.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) { o.IdempotencyKey = key }
}

// WithMaxAttempts sets the total delivery budget of the job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// WithBackoff sets the redelivery schedule of the job.
func WithBackoff(b Backoff) EnqueueOption {
	return func(o *EnqueueOptions) { o.Backoff = b }
}

func (c *Client) Codec() Codec         { return c.codec }
func (c *Client) Clock() xclock.Clock  { return c.clock }
func (c *Client) Logger() *xlog.Logger { return c.logger }
func (c *Client) Transport() Transport { return c.transport }

// NewEnvelope encodes payload under kind with a fresh id and the client's clock.
func (c *Client) NewEnvelope(kind string, payload any) (*Envelope, error) {
	if kind == "" {
		return nil, ErrInvalidKind
	}
	data, err := c.codec.Marshal(payload)
	if err != nil {
		return nil, &PayloadError{Kind: kind, Err: err}
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   data,
		CreatedAt: c.clock.Now(),
	}, nil
}

// Enqueue places env on queue. The job id is the idempotency key when given,
// otherwise env.ID (assigned when empty). A failure of the broker is reported
// as a *TransportError matching ErrTransportUnavailable.
func (c *Client) Enqueue(ctx context.Context, queue string, env *Envelope, opts ...EnqueueOption) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if queue == "" {
		return ErrInvalidQueue
	}
	if env == nil || env.Kind == "" {
		return ErrInvalidKind
	}

	o := c.defaults
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Backoff.IsZero() {
		o.Backoff = DefaultBackoff()
	}
	if env.ID == "" {
		env.ID = o.IdempotencyKey
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if o.IdempotencyKey == "" {
		o.IdempotencyKey = env.ID
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = c.clock.Now()
	}

	c.metrics.enqueueCount.Add(1)
	start := c.clock.Now()
	err := c.transport.Enqueue(ctx, queue, env, o)
	duration := c.clock.Since(start)
	if err != nil {
		c.metrics.errorCount.Add(1)
		err = c.transportError(ctx, "enqueue", queue, err)
	}
	c.notifyAsync(Event{
		Type:      EnqueueDone,
		Target:    queue,
		MessageID: o.IdempotencyKey,
		Kind:      env.Kind,
		Duration:  duration,
		Err:       err,
	})
	return err
}

// Consume binds handler to queue. Failed jobs are redelivered by the transport
// until their attempts run out, then moved to the dead set.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if queue == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}
	return c.transport.Consume(ctx, queue, c.deliver(ctx, queue, "", handler))
}

// Append durably appends envs to stream in order and returns their offsets.
func (c *Client) Append(ctx context.Context, stream string, envs ...*Envelope) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if stream == "" {
		return nil, ErrInvalidStream
	}
	if len(envs) == 0 {
		return nil, nil
	}
	for _, env := range envs {
		if env == nil || env.Kind == "" {
			return nil, ErrInvalidKind
		}
	}
	now := c.clock.Now()
	for _, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		if env.CreatedAt.IsZero() {
			env.CreatedAt = now
		}
	}

	c.metrics.appendCount.Add(uint64(len(envs)))
	start := c.clock.Now()
	offsets, err := c.transport.Append(ctx, stream, envs...)
	duration := c.clock.Since(start)
	c.recordProcessingTime(duration.Nanoseconds())
	if err != nil {
		c.metrics.errorCount.Add(1)
		err = c.transportError(ctx, "append", stream, err)
	}
	c.notifyAsync(Event{
		Type:     AppendDone,
		Target:   stream,
		Kind:     envs[0].Kind,
		Count:    len(envs),
		Duration: duration,
		Err:      err,
	})
	return offsets, err
}

// Subscribe registers a handler under a consumer group for a stream.
// Entries are acknowledged only after handler returns nil.
func (c *Client) Subscribe(ctx context.Context, stream, group string, handler Handler) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if stream == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}
	return c.transport.Subscribe(ctx, stream, group, c.deliver(ctx, stream, group, handler))
}

// Read returns up to limit stream entries after the given offset.
func (c *Client) Read(ctx context.Context, stream, after string, limit int) ([]*Envelope, error) {
	if stream == "" {
		return nil, ErrInvalidStream
	}
	return c.transport.Read(ctx, stream, after, limit)
}

// Dead lists the dead set of queue when the transport exposes it.
func (c *Client) Dead(ctx context.Context, queue string, limit int) ([]DeadJob, error) {
	insp, ok := c.transport.(DeadLetterInspector)
	if !ok {
		return nil, ErrNotInspectable
	}
	return insp.Dead(ctx, queue, limit)
}

// Requeue moves a dead job back to the waiting set with a fresh attempt budget.
func (c *Client) Requeue(ctx context.Context, queue, id string) error {
	insp, ok := c.transport.(DeadLetterInspector)
	if !ok {
		return ErrNotInspectable
	}
	return insp.Requeue(ctx, queue, id)
}

// deliver builds the per-delivery driver shared by Consume and Subscribe.
func (c *Client) deliver(ctx context.Context, target, group string, handler Handler) func(Delivery) {
	// Always enable panic recovery first for dependability.
	base := RecoveryMiddleware()(handler)
	wh := Chain(base, c.middlewares...)

	// Handlers run to completion once dispatched, even when the subscription stops.
	baseCtx := InjectAll(context.WithoutCancel(ctx), c.codec, c.logger, c.clock)

	return func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn().Str("target", target).Msg("messaging: delivery panic (recovered)")
				c.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		c.metrics.consumeCount.Add(1)
		env := d.Message()
		hctx := withMessageID(withAttempt(baseCtx, d.Attempt()), env.ID)

		c.notifyAsync(Event{
			Type:      ConsumeStart,
			Target:    target,
			Group:     group,
			MessageID: env.ID,
			Kind:      env.Kind,
			Attempt:   d.Attempt(),
		})

		start := c.clock.Now()
		err := wh(hctx, env)
		duration := c.clock.Since(start)
		c.recordProcessingTime(duration.Nanoseconds())

		if err == nil {
			c.metrics.ackCount.Add(1)
			c.ackWithTimeout(hctx, d, true, nil)
			c.notifyAsync(Event{Type: ConsumeDone, Target: target, Group: group, MessageID: env.ID, Kind: env.Kind, Attempt: d.Attempt(), Duration: duration})
			c.notifyAsync(Event{Type: Ack, Target: target, Group: group, MessageID: env.ID, Kind: env.Kind})
			return
		}

		c.metrics.nackCount.Add(1)
		c.ackWithTimeout(hctx, d, false, err)
		c.notifyAsync(Event{Type: ConsumeDone, Target: target, Group: group, MessageID: env.ID, Kind: env.Kind, Attempt: d.Attempt(), Duration: duration, Err: err})
		c.notifyAsync(Event{Type: Nack, Target: target, Group: group, MessageID: env.ID, Kind: env.Kind, Attempt: d.Attempt(), Err: err})

		if max := d.MaxAttempts(); max > 0 && d.Attempt() >= max {
			c.metrics.deadCount.Add(1)
			exhausted := &ExhaustedError{Queue: target, JobID: env.ID, Kind: env.Kind, Attempts: d.Attempt(), Err: err}
			c.logger.Error().
				Err(exhausted).
				Str("queue", target).
				Str("job_id", env.ID).
				Str("kind", env.Kind).
				Msg("delivery exhausted, job moved to dead set")
			c.notifyAsync(Event{Type: DeadLettered, Target: target, MessageID: env.ID, Kind: env.Kind, Attempt: d.Attempt(), Err: exhausted})
		}
	}
}

// ackWithTimeout handles ack/nack with configurable timeout.
func (c *Client) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if c.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			c.metrics.errorCount.Add(1)
			c.notifyAsync(Event{Type: Error, Err: err})
			c.logger.Warn().Err(err).Msg("messaging: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		c.metrics.errorCount.Add(1)
		c.notifyAsync(Event{Type: Error, Err: err})
		c.logger.Warn().Err(err).Msg("messaging: nack failed")
	}
}

func (c *Client) transportError(ctx context.Context, op, target string, err error) error {
	if errors.Is(err, ErrTransportUnavailable) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return &TransportError{Op: op, Target: target, Err: err}
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	var dropped uint64
	if c.observerPool != nil {
		dropped = c.observerPool.Stats().Dropped
	}
	return Metrics{
		Enqueued:            c.metrics.enqueueCount.Load(),
		Appended:            c.metrics.appendCount.Load(),
		Consumed:            c.metrics.consumeCount.Load(),
		Acked:               c.metrics.ackCount.Load(),
		Nacked:              c.metrics.nackCount.Load(),
		DeadLettered:        c.metrics.deadCount.Load(),
		Errors:              c.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(c.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports client health; an error rate above 5% of produced messages is degraded.
func (c *Client) Health(_ context.Context) HealthStatus {
	if c.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: c.clock.Now(),
			Message:   "client is closed",
		}
	}

	metrics := c.GetMetrics()
	status := "healthy"
	produced := metrics.Enqueued + metrics.Appended
	if metrics.Errors > 0 && produced > 0 {
		if float64(metrics.Errors)/float64(produced) > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: c.clock.Now(),
	}
}

// Close drains the observer pool and closes the transport. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	var closeErr error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.observerPool != nil {
			if err := c.observerPool.Close(5 * time.Second); err != nil {
				c.logger.Warn().Err(err).Msg("messaging: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := c.transport.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("messaging: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (c *Client) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (c *Client) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for i, o := range c.observers {
		if o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events without blocking the caller.
func (c *Client) notifyAsync(e Event) {
	if c.observerPool == nil || c.closed.Load() {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	c.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of processing time.
func (c *Client) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := c.metrics.processingNs.Load()
	if current == 0 {
		c.metrics.processingNs.Store(ns)
		return
	}
	c.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
