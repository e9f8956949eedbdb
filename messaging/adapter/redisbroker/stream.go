package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/51f0x/personal-kanban/messaging"
)

// Append writes envs to a stream using XADD (pipelined, order preserved) and returns the entry ids.
func (t *Transport) Append(ctx context.Context, stream string, envs ...*messaging.Envelope) ([]string, error) {
	if t.closed.Load() {
		return nil, messaging.ErrTransportUnavailable
	}
	if len(envs) == 0 {
		return nil, nil
	}

	pipe := t.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(envs))
	for _, env := range envs {
		args := &redis.XAddArgs{
			Stream: stream,
			ID:     "*",
			Values: encodeEnvelope(env),
		}
		// Approximate trimming to keep stream bounded
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		cmds = append(cmds, pipe.XAdd(ctx, args))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(envs)))
		return nil, err
	}

	offsets := make([]string, len(cmds))
	for i, c := range cmds {
		offsets[i] = c.Val()
	}
	t.metrics.appended.Add(uint64(len(envs)))
	return offsets, nil
}

// Subscribe joins a consumer group (created on demand) and dispatches entries to
// Concurrency workers. Entries are routed by messaging.Partition, so entries of
// one aggregate are handled in stream order by a single worker.
func (t *Transport) Subscribe(ctx context.Context, stream, group string, handler func(messaging.Delivery)) (messaging.Subscription, error) {
	if t.closed.Load() {
		return nil, messaging.ErrTransportUnavailable
	}
	if err := t.client.XGroupCreateMkStream(ctx, stream, group, t.cfg.GroupStart).Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redisbroker: create group %q on %q: %w", group, stream, err)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	// One buffered channel per worker (2 slots for burst absorption).
	r := &router{lanes: make([]chan messaging.Delivery, maxInt(1, t.cfg.Concurrency))}
	for i := range r.lanes {
		lane := make(chan messaging.Delivery, 2)
		r.lanes[i] = lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-innerCtx.Done():
					return
				case d := <-lane:
					handler(d)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pollerLoop(innerCtx, stream, group, r)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, stream, group, r)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

// router hands deliveries to the worker lane of their partition.
type router struct {
	lanes []chan messaging.Delivery
}

func (r *router) lane(d messaging.Delivery) chan<- messaging.Delivery {
	return r.lanes[messaging.Partition(d.Message(), len(r.lanes))]
}

// pollerLoop first drains entries still pending for this consumer (left by a previous run),
// then reads new entries with ">".
func (t *Transport) pollerLoop(ctx context.Context, stream, group string, r *router) {
	cursor := "0"
	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		if ctx.Err() != nil {
			return
		}

		args := &redis.XReadGroupArgs{
			Group:    group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{stream, cursor},
			Count:    int64(maxInt(1, t.cfg.BatchSize)),
			Block:    t.cfg.Block,
		}
		if cursor != ">" {
			args.Block = -1
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}
			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			if !pause(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Millisecond * 100

		var msgs []redis.XMessage
		for _, s := range res {
			msgs = append(msgs, s.Messages...)
		}

		if cursor != ">" {
			if len(msgs) == 0 {
				cursor = ">"
				continue
			}
			cursor = msgs[len(msgs)-1].ID
			counts := t.deliveryCounts(ctx, stream, group, msgs[0].ID, cursor, len(msgs))
			for _, m := range msgs {
				if m.Values == nil {
					// Entry trimmed away while pending; nothing left to deliver.
					_ = t.client.XAck(ctx, stream, group, m.ID).Err()
					continue
				}
				if !t.dispatch(ctx, r, t.newStreamDelivery(stream, group, m, maxInt(1, counts[m.ID]))) {
					return
				}
			}
			continue
		}

		for _, m := range msgs {
			if !t.dispatch(ctx, r, t.newStreamDelivery(stream, group, m, 1)) {
				return
			}
		}
	}
}

// deliveryCounts looks up how many times each pending entry in [start, end] was delivered.
func (t *Transport) deliveryCounts(ctx context.Context, stream, group, start, end string, n int) map[string]int {
	out := make(map[string]int, n)
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    start,
		End:      end,
		Count:    int64(n),
		Consumer: t.cfg.Consumer,
	}).Result()
	if err != nil {
		return out
	}
	for _, p := range pending {
		out[p.ID] = int(p.RetryCount)
	}
	return out
}

// claimLoop periodically claims entries idle longer than ClaimMinIdle (crashed consumers,
// nacked entries without a dead letter) and hands them to the workers again.
func (t *Transport) claimLoop(ctx context.Context, stream, group string, r *router) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(maxInt(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		counts := make(map[string]int, len(pending))
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
			counts[p.ID] = int(p.RetryCount)
		}

		msgs, err := t.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			continue
		}

		for _, m := range msgs {
			if m.Values == nil {
				continue
			}
			t.metrics.claimed.Add(1)
			// XCLAIM counts as one more delivery.
			if !t.dispatch(ctx, r, t.newStreamDelivery(stream, group, m, counts[m.ID]+1)) {
				return
			}
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, r *router, d messaging.Delivery) bool {
	t.metrics.consumed.Add(1)
	select {
	case r.lane(d) <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// Read returns up to limit entries after the given offset using XRANGE.
func (t *Transport) Read(ctx context.Context, stream, after string, limit int) ([]*messaging.Envelope, error) {
	start := "-"
	if after != "" {
		start = messaging.NextOffset(after)
	}

	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = t.client.XRangeN(ctx, stream, start, "+", int64(limit)).Result()
	} else {
		msgs, err = t.client.XRange(ctx, stream, start, "+").Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]*messaging.Envelope, 0, len(msgs))
	for _, m := range msgs {
		env := decodeEnvelope(stringValues(m.Values))
		env.Offset = m.ID
		out = append(out, env)
	}
	return out, nil
}

// streamDelivery implements messaging.Delivery for Redis Streams.
type streamDelivery struct {
	t       *Transport
	stream  string
	group   string
	id      string
	attempt int
	env     *messaging.Envelope

	// Ensures Ack/Nack happens exactly once
	once sync.Once
}

func (t *Transport) newStreamDelivery(stream, group string, m redis.XMessage, attempt int) *streamDelivery {
	env := decodeEnvelope(stringValues(m.Values))
	env.Offset = m.ID
	return &streamDelivery{
		t:       t,
		stream:  stream,
		group:   group,
		id:      m.ID,
		attempt: attempt,
		env:     env,
	}
}

func (d *streamDelivery) Message() *messaging.Envelope { return d.env }
func (d *streamDelivery) Attempt() int                 { return d.attempt }
func (d *streamDelivery) MaxAttempts() int             { return 0 }

// Ack acknowledges the entry for the group.
func (d *streamDelivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.t.client.XAck(ctx, d.stream, d.group, d.id).Err()
		if err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack copies the entry to the dead-letter stream and acks it, or leaves it
// pending so the claim loop redelivers it. Only the first Ack or Nack counts.
func (d *streamDelivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}

		values := encodeEnvelope(d.env)
		values[fieldMetaPrefix+messaging.MetaOrigStream] = d.stream
		values[fieldMetaPrefix+messaging.MetaOrigOffset] = d.id
		values[fieldMetaPrefix+messaging.MetaError] = fmt.Sprintf("%v", reason)
		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			return
		}
		// Acknowledge original to avoid infinite retry loops
		if err = d.t.client.XAck(ctx, d.stream, d.group, d.id).Err(); err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}
