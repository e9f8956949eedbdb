package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/messaging"
)

var (
	ErrInvalidEvent = errors.New("eventbus: event name must not be empty")
	ErrNilHandler   = errors.New("eventbus: handler must not be nil")
)

// Bus publishes domain events to the durable log and to in-process handlers.
type Bus struct {
	client *messaging.Client
	opts   options
	logger *xlog.Logger
	clock  xclock.Clock

	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   atomic.Uint64

	failures atomic.Uint64
}

// New builds a Bus on client.
func New(client *messaging.Client, opts ...Option) *Bus {
	o := options{stream: DefaultStream}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.kinds == nil {
		o.kinds = messaging.NewKinds()
	}
	lg := o.logger
	if lg == nil {
		lg = client.Logger()
	}
	return &Bus{
		client:   client,
		opts:     o,
		logger:   lg.With(xlog.Str("component", "eventbus"), xlog.Str("stream", o.stream)),
		clock:    client.Clock(),
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Origin returns the tag set WithOrigin, or "".
func (b *Bus) Origin() string { return b.opts.origin }

// Stream returns the log stream name.
func (b *Bus) Stream() string { return b.opts.stream }

// Kinds returns the payload registry.
func (b *Bus) Kinds() *messaging.Kinds { return b.opts.kinds }

// Failures counts local handler failures since start.
func (b *Bus) Failures() uint64 { return b.failures.Load() }

// NewEvent stamps a fresh id and the bus clock's time.
func (b *Bus) NewEvent(name, aggregateID string, payload any) Event {
	return newEvent(b.clock, name, aggregateID, payload)
}

// Publish is PublishAll with one event.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	return b.PublishAll(ctx, ev)
}

// PublishAll appends evs to the log in one call, preserving their order, then runs
// the local handlers of each event. An append failure is returned and no local
// handler runs; local handler failures are logged and counted only.
func (b *Bus) PublishAll(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}

	envs := make([]*messaging.Envelope, len(evs))
	for i := range evs {
		ev := &evs[i]
		if ev.Name == "" {
			return ErrInvalidEvent
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.OccurredOn.IsZero() {
			ev.OccurredOn = b.clock.Now()
		}
		if err := b.opts.kinds.Validate(ev.Payload); err != nil {
			return &messaging.PayloadError{Kind: ev.Name, Err: err}
		}
		data, err := b.client.Codec().Marshal(ev.Payload)
		if err != nil {
			return &messaging.PayloadError{Kind: ev.Name, Err: err}
		}
		env := &messaging.Envelope{
			ID:        ev.ID,
			Kind:      ev.Name,
			Payload:   data,
			CreatedAt: ev.OccurredOn,
		}
		if ev.AggregateID != "" {
			env.SetMeta(messaging.MetaAggregateID, ev.AggregateID)
		}
		if b.opts.origin != "" {
			ev.Origin = b.opts.origin
			env.SetMeta(messaging.MetaOrigin, b.opts.origin)
		}
		envs[i] = env
	}

	offsets, err := b.client.Append(ctx, b.opts.stream, envs...)
	if err != nil {
		return fmt.Errorf("eventbus: append %d event(s): %w", len(envs), err)
	}
	for i := range evs {
		if i < len(offsets) {
			evs[i].Offset = offsets[i]
		}
		b.dispatchLocal(ctx, evs[i])
	}
	return nil
}

// dispatchLocal runs every local handler for ev. Each handler is isolated: an error
// or panic is logged and does not stop the others.
func (b *Bus) dispatchLocal(ctx context.Context, ev Event) {
	b.mu.RLock()
	registered := b.handlers[ev.Name]
	hs := make([]Handler, 0, len(registered))
	for _, h := range registered {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		if err := b.runLocal(ctx, h, ev); err != nil {
			b.failures.Add(1)
			b.logger.Warn().
				Err(err).
				Str("event", ev.Name).
				Str("event_id", ev.ID).
				Str("aggregate_id", ev.AggregateID).
				Msg("local event handler failed")
			if b.opts.onFailure != nil {
				b.opts.onFailure(ev, err)
			}
		}
	}
}

func (b *Bus) runLocal(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", messaging.ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

// Subscription is a local handler registration.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
}

// Name is the event name the handler is registered for.
func (s *Subscription) Name() string { return s.name }

// Unsubscribe removes the handler. It reports false when it was already removed.
func (s *Subscription) Unsubscribe() bool {
	if s == nil || s.bus == nil {
		return false
	}
	return s.bus.Unsubscribe(s)
}

// Subscribe registers a local handler for name. Handlers for the same name run in no particular order.
func (b *Bus) Subscribe(name string, h Handler) (*Subscription, error) {
	if name == "" {
		return nil, ErrInvalidEvent
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	id := b.nextID.Add(1)
	b.mu.Lock()
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[uint64]Handler)
	}
	b.handlers[name][id] = h
	b.mu.Unlock()
	return &Subscription{bus: b, name: name, id: id}, nil
}

// Unsubscribe removes a local handler registration.
func (b *Bus) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hs, ok := b.handlers[s.name]
	if !ok {
		return false
	}
	if _, ok := hs[s.id]; !ok {
		return false
	}
	delete(hs, s.id)
	if len(hs) == 0 {
		delete(b.handlers, s.name)
	}
	return true
}

// Listen consumes the log as consumer group group. Every group keeps its own
// cursor; an entry is acknowledged once h returns nil. Entries whose payload
// cannot be decoded are logged and acknowledged.
func (b *Bus) Listen(ctx context.Context, group string, h Handler) (messaging.Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	handler := func(ctx context.Context, env *messaging.Envelope) error {
		ev, err := b.decode(env)
		if err != nil {
			b.logger.Error().
				Err(err).
				Str("group", group).
				Str("event", env.Kind).
				Str("offset", env.Offset).
				Msg("undecodable event skipped")
			return nil
		}
		return h(ctx, ev)
	}
	return b.client.Subscribe(ctx, b.opts.stream, group, messaging.Chain(handler, b.opts.listenMW...))
}

// Replay reads up to limit stored events after offset ("" from the start).
func (b *Bus) Replay(ctx context.Context, after string, limit int) ([]Event, error) {
	envs, err := b.client.Read(ctx, b.opts.stream, after, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(envs))
	for _, env := range envs {
		ev, err := b.decode(env)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *Bus) decode(env *messaging.Envelope) (Event, error) {
	ev := Event{
		ID:          env.ID,
		Name:        env.Kind,
		AggregateID: env.Meta(messaging.MetaAggregateID),
		OccurredOn:  env.CreatedAt,
		Offset:      env.Offset,
		Origin:      env.Meta(messaging.MetaOrigin),
	}
	if b.opts.kinds.Known(env.Kind) {
		v, err := b.opts.kinds.Decode(b.client.Codec(), env.Kind, env.Payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = v
		return ev, nil
	}
	ev.Payload = json.RawMessage(env.Payload)
	return ev, nil
}
