package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/51f0x/personal-kanban/messaging"
)

type jobState int

const (
	jobWaiting jobState = iota
	jobActive
	jobCompleted
	jobDead
)

type job struct {
	id         string
	seq        uint64
	env        *messaging.Envelope
	opts       messaging.EnqueueOptions
	state      jobState
	attempts   int
	readyAt    time.Time
	lastErr    string
	finishedAt time.Time
}

type queue struct {
	mu      sync.Mutex
	seq     uint64
	jobs    map[string]*job
	waiting []*job
	dead    []*job
	changed notifier
}

func (t *Transport) ensureQueue(name string) *queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.queues[name]; ok {
		return q
	}
	q := &queue{
		jobs:    make(map[string]*job),
		changed: newNotifier(),
	}
	t.queues[name] = q
	return q
}

// Enqueue stores the job unless its id is already known.
func (t *Transport) Enqueue(ctx context.Context, name string, env *messaging.Envelope, opts messaging.EnqueueOptions) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id := opts.IdempotencyKey
	if id == "" {
		id = env.ID
	}
	if id == "" {
		return fmt.Errorf("memory: job id required")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	q := t.ensureQueue(name)
	now := t.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireCompleted(now, t.cfg.CompletedRetention)
	if _, known := q.jobs[id]; known {
		t.metrics.deduped.Add(1)
		return nil
	}
	q.seq++
	j := &job{
		id:      id,
		seq:     q.seq,
		env:     env.Clone(),
		opts:    opts,
		state:   jobWaiting,
		readyAt: now,
	}
	q.jobs[id] = j
	q.waiting = append(q.waiting, j)
	q.changed.notify()
	t.metrics.enqueued.Add(1)
	return nil
}

// Consume runs QueueConcurrency workers that lease ready jobs.
func (t *Transport) Consume(ctx context.Context, name string, handler func(messaging.Delivery)) (messaging.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	q := t.ensureQueue(name)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	for i := 0; i < t.cfg.QueueConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.queueWorker(innerCtx, name, q, handler)
		}()
	}

	return &subscription{close: func() {
		cancel()
		wg.Wait()
	}}, nil
}

func (t *Transport) queueWorker(ctx context.Context, name string, q *queue, handler func(messaging.Delivery)) {
	for {
		if ctx.Err() != nil || t.closed.Load() {
			return
		}
		q.mu.Lock()
		j, wait := q.next(t.clock.Now())
		signal := q.changed.wait()
		var d *jobDelivery
		if j != nil {
			j.state = jobActive
			j.attempts++
			d = &jobDelivery{t: t, q: q, name: name, j: j, attempt: j.attempts, env: j.env.Clone()}
		}
		q.mu.Unlock()

		if d == nil {
			if !sleep(ctx, signal, wait) {
				return
			}
			continue
		}
		t.metrics.consumed.Add(1)
		handler(d)
	}
}

// next pops the earliest ready job, or reports how long until one becomes ready (-1: none).
func (q *queue) next(now time.Time) (*job, time.Duration) {
	if len(q.waiting) == 0 {
		return nil, -1
	}
	best := -1
	for i, j := range q.waiting {
		if best < 0 || j.readyAt.Before(q.waiting[best].readyAt) ||
			(j.readyAt.Equal(q.waiting[best].readyAt) && j.seq < q.waiting[best].seq) {
			best = i
		}
	}
	j := q.waiting[best]
	if j.readyAt.After(now) {
		return nil, j.readyAt.Sub(now)
	}
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)
	return j, 0
}

func (q *queue) expireCompleted(now time.Time, retention time.Duration) {
	for id, j := range q.jobs {
		if j.state == jobCompleted && (retention < 0 || now.Sub(j.finishedAt) >= retention) {
			delete(q.jobs, id)
		}
	}
}

func (q *queue) bury(j *job, now time.Time, limit int) {
	j.state = jobDead
	j.finishedAt = now
	q.dead = append(q.dead, j)
	if over := len(q.dead) - limit; over > 0 {
		for _, old := range q.dead[:over] {
			delete(q.jobs, old.id)
		}
		q.dead = append([]*job(nil), q.dead[over:]...)
	}
}

// jobDelivery implements messaging.Delivery for queue jobs.
type jobDelivery struct {
	t       *Transport
	q       *queue
	name    string
	j       *job
	env     *messaging.Envelope
	attempt int
	once    sync.Once
}

func (d *jobDelivery) Message() *messaging.Envelope { return d.env }
func (d *jobDelivery) Attempt() int                 { return d.attempt }
func (d *jobDelivery) MaxAttempts() int             { return d.j.opts.MaxAttempts }

func (d *jobDelivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.q.mu.Lock()
		defer d.q.mu.Unlock()
		d.j.state = jobCompleted
		d.j.finishedAt = d.t.clock.Now()
		if d.t.cfg.CompletedRetention < 0 {
			delete(d.q.jobs, d.j.id)
		}
		d.t.metrics.acked.Add(1)
	})
	return nil
}

// Nack schedules a redelivery after the job's backoff, or buries it when attempts are spent.
func (d *jobDelivery) Nack(_ context.Context, reason error) error {
	d.once.Do(func() {
		d.q.mu.Lock()
		defer d.q.mu.Unlock()
		now := d.t.clock.Now()
		d.t.metrics.nacked.Add(1)
		if reason != nil {
			d.j.lastErr = reason.Error()
		}
		if d.attempt >= d.j.opts.MaxAttempts {
			d.q.bury(d.j, now, d.t.cfg.DeadRetention)
			d.t.metrics.dead.Add(1)
		} else {
			d.j.state = jobWaiting
			d.j.readyAt = now.Add(d.j.opts.Backoff.Delay(d.attempt))
			d.q.waiting = append(d.q.waiting, d.j)
			d.t.metrics.redelivered.Add(1)
		}
		d.q.changed.notify()
	})
	return nil
}

// Dead lists dead jobs, most recent first.
func (t *Transport) Dead(_ context.Context, name string, limit int) ([]messaging.DeadJob, error) {
	q := t.ensureQueue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]messaging.DeadJob, 0, len(q.dead))
	for _, j := range q.dead {
		out = append(out, messaging.DeadJob{
			ID:        j.id,
			Envelope:  j.env.Clone(),
			Attempts:  j.attempts,
			LastError: j.lastErr,
			FailedAt:  j.finishedAt,
		})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].FailedAt.After(out[b].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Requeue moves a dead job back to waiting with a fresh attempt budget.
func (t *Transport) Requeue(_ context.Context, name, id string) error {
	q := t.ensureQueue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.dead {
		if j.id != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		j.state = jobWaiting
		j.attempts = 0
		j.lastErr = ""
		j.readyAt = t.clock.Now()
		q.waiting = append(q.waiting, j)
		q.changed.notify()
		return nil
	}
	return fmt.Errorf("memory: job %q not in dead set of %q", id, name)
}
