package memory

import (
	"context"
	"sync"
	"time"

	"github.com/51f0x/personal-kanban/messaging"
)

type stream struct {
	mu      sync.Mutex
	entries []*messaging.Envelope
	lastMs  uint64
	seq     uint64
	groups  map[string]*group
	changed notifier
}

type group struct {
	// cursor is the index of the next never-delivered entry.
	cursor  int
	pending map[int]*pendingEntry
}

type pendingEntry struct {
	index      int
	deliveries int
	inflight   bool
	readyAt    time.Time
}

func (t *Transport) ensureStream(name string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[name]; ok {
		return s
	}
	s := &stream{
		groups:  make(map[string]*group),
		changed: newNotifier(),
	}
	t.streams[name] = s
	return s
}

// Append stores envs in order and returns "<ms>-<seq>" offsets.
func (t *Transport) Append(ctx context.Context, name string, envs ...*messaging.Envelope) ([]string, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := t.ensureStream(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := make([]string, 0, len(envs))
	for _, env := range envs {
		if env == nil {
			continue
		}
		off := s.nextOffset(t.clock.Now())
		stored := env.Clone()
		stored.Offset = off
		s.entries = append(s.entries, stored)
		offsets = append(offsets, off)
	}
	t.metrics.appended.Add(uint64(len(offsets)))
	s.changed.notify()
	return offsets, nil
}

func (s *stream) nextOffset(now time.Time) string {
	ms := uint64(now.UnixMilli())
	if ms <= s.lastMs {
		s.seq++
	} else {
		s.lastMs = ms
		s.seq = 0
	}
	return messaging.FormatOffset(s.lastMs, s.seq)
}

// Subscribe joins (or creates) a consumer group and delivers entries from its cursor.
func (t *Transport) Subscribe(ctx context.Context, name, groupName string, handler func(messaging.Delivery)) (messaging.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	s := t.ensureStream(name)

	s.mu.Lock()
	g, ok := s.groups[groupName]
	if !ok {
		g = &group{pending: make(map[int]*pendingEntry)}
		if t.cfg.GroupStart != "0" {
			g.cursor = len(s.entries)
		}
		s.groups[groupName] = g
	}
	// Entries handed to a previous consumer that never acked are due again.
	for _, p := range g.pending {
		p.inflight = false
	}
	s.mu.Unlock()

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	lanes := make([]chan *entryDelivery, max(1, t.cfg.StreamConcurrency))
	for i := range lanes {
		lane := make(chan *entryDelivery, 1)
		lanes[i] = lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-innerCtx.Done():
					return
				case d := <-lane:
					t.metrics.consumed.Add(1)
					handler(d)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.streamPoller(innerCtx, name, groupName, s, g, lanes)
	}()

	return &subscription{close: func() {
		cancel()
		wg.Wait()
	}}, nil
}

// streamPoller hands due entries to the lane of their partition, so entries of
// one aggregate are handled in log order by a single worker.
func (t *Transport) streamPoller(ctx context.Context, name, groupName string, s *stream, g *group, lanes []chan *entryDelivery) {
	for {
		if ctx.Err() != nil || t.closed.Load() {
			return
		}
		now := t.clock.Now()
		s.mu.Lock()
		p, wait := g.next(now, len(s.entries))
		signal := s.changed.wait()
		var d *entryDelivery
		if p != nil {
			p.inflight = true
			p.deliveries++
			d = &entryDelivery{
				t:       t,
				s:       s,
				g:       g,
				stream:  name,
				group:   groupName,
				index:   p.index,
				attempt: p.deliveries,
				env:     s.entries[p.index].Clone(),
			}
		}
		s.mu.Unlock()

		if d == nil {
			if !sleep(ctx, signal, wait) {
				return
			}
			continue
		}
		select {
		case lanes[messaging.Partition(d.env, len(lanes))] <- d:
		case <-ctx.Done():
			return
		}
	}
}

// next picks the oldest due pending entry, otherwise the entry at the cursor.
func (g *group) next(now time.Time, size int) (*pendingEntry, time.Duration) {
	var due *pendingEntry
	wait := time.Duration(-1)
	for _, p := range g.pending {
		if p.inflight {
			continue
		}
		if p.readyAt.After(now) {
			if d := p.readyAt.Sub(now); wait < 0 || d < wait {
				wait = d
			}
			continue
		}
		if due == nil || p.index < due.index {
			due = p
		}
	}
	if due != nil {
		return due, 0
	}
	if g.cursor < size {
		p := &pendingEntry{index: g.cursor}
		g.pending[g.cursor] = p
		g.cursor++
		return p, 0
	}
	return nil, wait
}

// Read returns entries strictly after the given offset.
func (t *Transport) Read(_ context.Context, name, after string, limit int) ([]*messaging.Envelope, error) {
	s := t.ensureStream(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*messaging.Envelope, 0)
	for _, e := range s.entries {
		if after != "" && messaging.CompareOffsets(e.Offset, after) <= 0 {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// entryDelivery implements messaging.Delivery for log entries.
type entryDelivery struct {
	t       *Transport
	s       *stream
	g       *group
	stream  string
	group   string
	index   int
	attempt int
	env     *messaging.Envelope
	once    sync.Once
}

func (d *entryDelivery) Message() *messaging.Envelope { return d.env }
func (d *entryDelivery) Attempt() int                 { return d.attempt }
func (d *entryDelivery) MaxAttempts() int             { return 0 }

func (d *entryDelivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.release()
		d.t.metrics.acked.Add(1)
	})
	return nil
}

func (d *entryDelivery) release() {
	d.s.mu.Lock()
	delete(d.g.pending, d.index)
	d.s.mu.Unlock()
}

// Nack dead-letters the entry when configured, otherwise leaves it pending for
// redelivery. Only the first Ack or Nack counts.
func (d *entryDelivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		if dl := d.t.cfg.DeadLetter; dl != "" {
			dead := d.env.Clone()
			dead.Offset = ""
			dead.SetMeta(messaging.MetaOrigStream, d.stream)
			dead.SetMeta(messaging.MetaOrigOffset, d.env.Offset)
			if reason != nil {
				dead.SetMeta(messaging.MetaError, reason.Error())
			}
			if _, err = d.t.Append(ctx, dl, dead); err == nil {
				d.release()
				d.t.metrics.acked.Add(1)
				return
			}
		}
		d.s.mu.Lock()
		if p, ok := d.g.pending[d.index]; ok {
			p.inflight = false
			p.readyAt = d.t.clock.Now().Add(d.t.cfg.RedeliveryDelay)
		}
		d.s.changed.notify()
		d.s.mu.Unlock()
		d.t.metrics.redelivered.Add(1)
	})
	return err
}
