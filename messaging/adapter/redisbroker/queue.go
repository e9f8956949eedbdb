package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/51f0x/personal-kanban/messaging"
)

// ErrJobNotDead is returned by Requeue when the id is not in the dead set.
var ErrJobNotDead = errors.New("redisbroker: job not in dead set")

// Keys share the {queue} hash tag so every script touches a single slot.
func (t *Transport) queueKey(queue, part string) string {
	return t.cfg.KeyPrefix + ":{" + queue + "}:" + part
}

func (t *Transport) jobPrefix(queue string) string { return t.queueKey(queue, "job:") }

func (t *Transport) jobKey(queue, id string) string { return t.jobPrefix(queue) + id }

// Enqueue stores the job hash and schedules it, unless the job id is still known.
func (t *Transport) Enqueue(ctx context.Context, queue string, env *messaging.Envelope, opts messaging.EnqueueOptions) error {
	if t.closed.Load() {
		return messaging.ErrTransportUnavailable
	}
	id := opts.IdempotencyKey
	if id == "" {
		id = env.ID
	}
	if id == "" {
		return fmt.Errorf("redisbroker: job id required")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	vals := encodeEnvelope(env)
	vals[fieldAttempts] = 0
	vals[fieldMaxAttempts] = opts.MaxAttempts
	vals[fieldBackoffInitial] = int64(opts.Backoff.Initial)
	vals[fieldBackoffMax] = int64(opts.Backoff.Max)
	vals[fieldBackoffMult] = strconv.FormatFloat(opts.Backoff.Multiplier, 'f', -1, 64)
	vals[fieldBackoffJitter] = strconv.FormatFloat(opts.Backoff.Jitter, 'f', -1, 64)
	vals[fieldState] = stateWaiting

	args := append([]any{id, t.clock.Now().UnixMilli()}, flatten(vals)...)
	added, err := enqueueScript.Run(ctx, t.client,
		[]string{t.jobKey(queue, id), t.queueKey(queue, "waiting")}, args...).Int()
	if err != nil {
		t.metrics.publishErrors.Add(1)
		return err
	}
	if added == 0 {
		t.metrics.deduped.Add(1)
		return nil
	}
	t.metrics.enqueued.Add(1)
	return nil
}

// Consume leases ready jobs, never more than QueueConcurrency at a time, and
// runs a reaper that returns jobs with expired leases to the waiting set.
func (t *Transport) Consume(ctx context.Context, queue string, handler func(messaging.Delivery)) (messaging.Subscription, error) {
	if t.closed.Load() {
		return nil, messaging.ErrTransportUnavailable
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	sem := semaphore.NewWeighted(int64(maxInt(1, t.cfg.QueueConcurrency)))

	wg.Add(2)
	go func() {
		defer wg.Done()
		t.queuePoller(innerCtx, queue, sem, wg, handler)
	}()
	go func() {
		defer wg.Done()
		t.reapLoop(innerCtx, queue)
	}()

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) queuePoller(ctx context.Context, queue string, sem *semaphore.Weighted, wg *sync.WaitGroup, handler func(messaging.Delivery)) {
	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		d, err := t.claim(ctx, queue)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			if !pause(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Millisecond * 100

		if d == nil {
			sem.Release(1)
			if !pause(ctx, t.cfg.PollInterval) {
				return
			}
			continue
		}

		t.metrics.consumed.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			handler(d)
		}()
	}
}

// claim leases the next ready job. It returns nil when none is ready.
func (t *Transport) claim(ctx context.Context, queue string) (*jobDelivery, error) {
	now := t.clock.Now()
	id, err := claimScript.Run(ctx, t.client,
		[]string{t.queueKey(queue, "waiting"), t.queueKey(queue, "active")},
		now.UnixMilli(), now.Add(t.cfg.Lease).UnixMilli(), t.jobPrefix(queue)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	vals, err := t.client.HGetAll(ctx, t.jobKey(queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if vals[fieldKind] == "" {
		// Hash vanished and the claim recreated only its counters: drop the orphan.
		pipe := t.client.TxPipeline()
		pipe.ZRem(ctx, t.queueKey(queue, "active"), id)
		pipe.Del(ctx, t.jobKey(queue, id))
		_, err := pipe.Exec(ctx)
		return nil, err
	}

	d := &jobDelivery{t: t, queue: queue, id: id}
	d.attempt = atoi(vals[fieldAttempts])
	d.maxAttempts = maxInt(1, atoi(vals[fieldMaxAttempts]))
	d.backoff = messaging.Backoff{
		Initial:    time.Duration(atoi64(vals[fieldBackoffInitial])),
		Max:        time.Duration(atoi64(vals[fieldBackoffMax])),
		Multiplier: atof(vals[fieldBackoffMult]),
		Jitter:     atof(vals[fieldBackoffJitter]),
	}
	d.env = decodeEnvelope(vals)

	if d.attempt > d.maxAttempts {
		// The last lease expired without an outcome; the budget is spent.
		err := d.bury(ctx, "lease expired")
		return nil, err
	}
	return d, nil
}

func (t *Transport) reapLoop(ctx context.Context, queue string) {
	interval := minDur(maxDur(t.cfg.Lease/4, 100*time.Millisecond), 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := reapScript.Run(ctx, t.client,
			[]string{t.queueKey(queue, "active"), t.queueKey(queue, "waiting")},
			t.clock.Now().UnixMilli()).Int()
		if err == nil && n > 0 {
			t.metrics.reaped.Add(uint64(n))
		}
	}
}

// Dead lists dead jobs, most recent first.
func (t *Transport) Dead(ctx context.Context, queue string, limit int) ([]messaging.DeadJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := t.client.ZRevRange(ctx, t.queueKey(queue, "dead"), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []messaging.DeadJob{}, nil
	}

	pipe := t.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, t.jobKey(queue, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]messaging.DeadJob, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		out = append(out, messaging.DeadJob{
			ID:        id,
			Envelope:  decodeEnvelope(vals),
			Attempts:  atoi(vals[fieldAttempts]),
			LastError: vals[fieldLastError],
			FailedAt:  time.UnixMilli(atoi64(vals[fieldFailedAt])),
		})
	}
	return out, nil
}

// Requeue moves a dead job back to waiting with a fresh attempt budget.
func (t *Transport) Requeue(ctx context.Context, queue, id string) error {
	moved, err := requeueScript.Run(ctx, t.client,
		[]string{t.queueKey(queue, "dead"), t.queueKey(queue, "waiting"), t.jobKey(queue, id)},
		id, t.clock.Now().UnixMilli()).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		return fmt.Errorf("%w: %s/%s", ErrJobNotDead, queue, id)
	}
	return nil
}

// jobDelivery implements messaging.Delivery for queue jobs.
type jobDelivery struct {
	t           *Transport
	queue       string
	id          string
	attempt     int
	maxAttempts int
	backoff     messaging.Backoff
	env         *messaging.Envelope

	once sync.Once
}

func (d *jobDelivery) Message() *messaging.Envelope { return d.env }
func (d *jobDelivery) Attempt() int                 { return d.attempt }
func (d *jobDelivery) MaxAttempts() int             { return d.maxAttempts }

// Ack completes the job; its hash is kept for CompletedRetention so the id stays deduplicated.
func (d *jobDelivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = completeScript.Run(ctx, d.t.client,
			[]string{d.t.queueKey(d.queue, "active"), d.t.jobKey(d.queue, d.id)},
			d.id, d.t.cfg.CompletedRetention.Milliseconds()).Err()
		if err == nil {
			d.t.metrics.acked.Add(1)
		}
	})
	return err
}

// Nack schedules a redelivery after the job's backoff, or buries the job once its attempts are spent.
func (d *jobDelivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		msg := ""
		if reason != nil {
			msg = reason.Error()
		}
		if d.attempt >= d.maxAttempts {
			err = d.bury(ctx, msg)
			return
		}
		readyAt := d.t.clock.Now().Add(d.backoff.Delay(d.attempt))
		err = retryScript.Run(ctx, d.t.client,
			[]string{d.t.queueKey(d.queue, "active"), d.t.queueKey(d.queue, "waiting"), d.t.jobKey(d.queue, d.id)},
			d.id, readyAt.UnixMilli(), msg).Err()
	})
	return err
}

func (d *jobDelivery) bury(ctx context.Context, reason string) error {
	err := buryScript.Run(ctx, d.t.client,
		[]string{d.t.queueKey(d.queue, "active"), d.t.queueKey(d.queue, "dead"), d.t.jobKey(d.queue, d.id)},
		d.id, d.t.clock.Now().UnixMilli(), reason, d.t.cfg.DeadRetention, d.t.jobPrefix(d.queue)).Err()
	if err == nil {
		d.t.metrics.dead.Add(1)
	}
	return err
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := toInt64(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
