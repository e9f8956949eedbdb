package redisbroker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xclock"

	"github.com/51f0x/personal-kanban/messaging"
)

// Transport implements messaging.Transport on Redis.
type Transport struct {
	cfg    Config
	client *redis.Client
	clock  xclock.Clock
	owned  bool

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	enqueued      atomic.Uint64
	deduped       atomic.Uint64
	appended      atomic.Uint64
	consumed      atomic.Uint64
	claimed       atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	reaped        atomic.Uint64
	dead          atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var (
	_ messaging.Transport           = (*Transport)(nil)
	_ messaging.DeadLetterInspector = (*Transport)(nil)
)

// NewTransport dials Redis and verifies the connection.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	opts.MaxRetries = 3
	opts.PoolSize = maxInt(10, cfg.QueueConcurrency+cfg.Concurrency+4)
	opts.MinIdleConns = 2

	if cfg.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	t := NewTransportWithClient(client, cfg)
	t.owned = true
	return t, nil
}

// NewTransportWithClient wraps an existing client. Close leaves the client open.
func NewTransportWithClient(client *redis.Client, cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		client:  client,
		clock:   xclock.Default(),
		metrics: &transportMetrics{},
	}
}

// WithClock replaces the clock used for queue scheduling.
func (t *Transport) WithClock(c xclock.Clock) *Transport {
	if c != nil {
		t.clock = c
	}
	return t
}

// Client exposes the underlying Redis client.
func (t *Transport) Client() *redis.Client { return t.client }

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.owned {
			err = t.client.Close()
		}
	})
	return err
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Enqueued      uint64
	Deduped       uint64
	Appended      uint64
	Consumed      uint64
	Claimed       uint64
	Acked         uint64
	Nacked        uint64
	Reaped        uint64
	Dead          uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Enqueued:      t.metrics.enqueued.Load(),
		Deduped:       t.metrics.deduped.Load(),
		Appended:      t.metrics.appended.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Claimed:       t.metrics.claimed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Reaped:        t.metrics.reaped.Load(),
		Dead:          t.metrics.dead.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

// Helper functions

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}

// pause waits d or until ctx ends; it reports whether ctx is still alive.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
