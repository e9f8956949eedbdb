package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/51f0x/personal-kanban/messaging"
)

const TransportName = "memory"

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := messaging.RegisterTransport(TransportName, func(cfg map[string]any) (messaging.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("messaging/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// QueueConcurrency is the number of workers per queue consumer (default: 4).
	QueueConcurrency int
	// StreamConcurrency is the number of workers per group subscription (default: 1).
	// Entries are routed to workers by aggregate, keeping per-aggregate order.
	StreamConcurrency int
	// RedeliveryDelay is the delay before a nacked log entry is delivered again (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// GroupStart selects where a new group begins: "$" for new entries only (default), "0" for the whole log.
	GroupStart string
	// DeadLetter is the stream receiving nacked log entries. Empty keeps them pending for redelivery.
	DeadLetter string
	// CompletedRetention keeps finished job ids for dedup (default: 1h, negative disables).
	CompletedRetention time.Duration
	// DeadRetention bounds the dead set per queue (default: 1000).
	DeadRetention int
}

// Defaults returns the default memory configuration.
func Defaults() Config {
	return Config{
		QueueConcurrency:   4,
		StreamConcurrency:  1,
		GroupStart:         "$",
		CompletedRetention: time.Hour,
		DeadRetention:      1000,
	}
}

// ConfigFromMap converts a generic map into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	d := Defaults()
	return Config{
		QueueConcurrency:   maxInt(1, getInt("queue_concurrency", d.QueueConcurrency)),
		StreamConcurrency:  maxInt(1, getInt("stream_concurrency", d.StreamConcurrency)),
		RedeliveryDelay:    getDur("redelivery_delay", 0),
		GroupStart:         getString("group_start", d.GroupStart),
		DeadLetter:         getString("dead_letter", ""),
		CompletedRetention: getDur("completed_retention", d.CompletedRetention),
		DeadRetention:      maxInt(1, getInt("dead_retention", d.DeadRetention)),
	}
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"queue_concurrency":   c.QueueConcurrency,
		"stream_concurrency":  c.StreamConcurrency,
		"redelivery_delay":    c.RedeliveryDelay,
		"group_start":         c.GroupStart,
		"dead_letter":         c.DeadLetter,
		"completed_retention": c.CompletedRetention,
		"dead_retention":      c.DeadRetention,
	}
}

// Transport implements messaging.Transport in process memory (dev/testing).
type Transport struct {
	cfg   Config
	clock xclock.Clock

	mu      sync.Mutex
	queues  map[string]*queue
	streams map[string]*stream

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	enqueued    atomic.Uint64
	deduped     atomic.Uint64
	appended    atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dead        atomic.Uint64
}

var (
	_ messaging.Transport           = (*Transport)(nil)
	_ messaging.DeadLetterInspector = (*Transport)(nil)
)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	d := Defaults()
	if cfg.QueueConcurrency < 1 {
		cfg.QueueConcurrency = d.QueueConcurrency
	}
	if cfg.StreamConcurrency < 1 {
		cfg.StreamConcurrency = d.StreamConcurrency
	}
	if cfg.GroupStart == "" {
		cfg.GroupStart = d.GroupStart
	}
	if cfg.CompletedRetention == 0 {
		cfg.CompletedRetention = d.CompletedRetention
	}
	if cfg.DeadRetention < 1 {
		cfg.DeadRetention = d.DeadRetention
	}
	return &Transport{
		cfg:     cfg,
		clock:   xclock.Default(),
		queues:  make(map[string]*queue),
		streams: make(map[string]*stream),
		metrics: &transportMetrics{},
	}
}

// WithClock replaces the clock used for timestamps and offsets.
func (t *Transport) WithClock(c xclock.Clock) *Transport {
	if c != nil {
		t.clock = c
	}
	return t
}

// Close stops accepting work. Running subscriptions end when closed or when their ctx ends.
func (t *Transport) Close(_ context.Context) error {
	t.closed.Store(true)
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Enqueued    uint64
	Deduped     uint64
	Appended    uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dead        uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Enqueued:    t.metrics.enqueued.Load(),
		Deduped:     t.metrics.deduped.Load(),
		Appended:    t.metrics.appended.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Dead:        t.metrics.dead.Load(),
	}
}

type subscription struct {
	once  sync.Once
	close func()
}

func (s *subscription) Close() error {
	s.once.Do(s.close)
	return nil
}

// notifier is a broadcast signal: waiters grab the channel, notify closes and replaces it.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier { return notifier{ch: make(chan struct{})} }

func (n *notifier) wait() <-chan struct{} { return n.ch }

func (n *notifier) notify() {
	close(n.ch)
	n.ch = make(chan struct{})
}

// sleep waits until signal fires, d elapses (d<0 waits forever) or ctx ends.
func sleep(ctx context.Context, signal <-chan struct{}, d time.Duration) bool {
	var timeout <-chan time.Time
	if d >= 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-signal:
	case <-timeout:
	}
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
