// Package app holds the wiring shared by the API and worker processes.
package app

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/internal/config"
	"github.com/51f0x/personal-kanban/internal/metrics"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
	"github.com/51f0x/personal-kanban/messaging/adapter/memory"
	"github.com/51f0x/personal-kanban/messaging/adapter/redisbroker"
)

// RedisConfig maps the broker section onto the Redis transport settings.
func RedisConfig(b config.BrokerConfig) redisbroker.Config {
	rc := redisbroker.Defaults()
	rc.URL = b.URL
	rc.KeyPrefix = b.KeyPrefix
	if b.Consumer != "" {
		rc.Consumer = b.Consumer
	}
	rc.Concurrency = b.Concurrency
	rc.QueueConcurrency = b.QueueConcurrency
	rc.BatchSize = b.BatchSize
	rc.Block = b.Block
	rc.GroupStart = b.GroupStart
	rc.DeadLetter = b.DeadLetter
	rc.MaxLenApprox = b.MaxLenApprox
	rc.ClaimMinIdle = b.ClaimMinIdle
	rc.ClaimInterval = b.ClaimInterval
	rc.ClaimBatch = b.ClaimBatch
	rc.PollInterval = b.PollInterval
	rc.Lease = b.Lease
	rc.CompletedRetention = b.CompletedRetention
	rc.DeadRetention = b.DeadRetention
	return rc
}

// InstanceName names this process instance across restarts: broker.consumer
// when set, otherwise the host name. Processes sharing a host need distinct
// broker.consumer values.
func InstanceName(b config.BrokerConfig) string {
	if b.Consumer != "" {
		return b.Consumer
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "kanban"
}

// Backoff maps the retry section onto a redelivery schedule.
func Backoff(r config.RetryConfig) messaging.Backoff {
	return messaging.Backoff{
		Initial:    r.Initial,
		Max:        r.Max,
		Multiplier: r.Multiplier,
		Jitter:     r.Jitter,
	}
}

// OpenClient builds the messaging client selected by the broker section.
func OpenClient(cfg *config.Config, logger *xlog.Logger, obs ...messaging.Observer) (*messaging.Client, error) {
	b := messaging.NewClientBuilder().
		WithLogger(logger).
		WithAckTimeout(cfg.Broker.AckTimeout).
		WithDefaultMaxAttempts(cfg.RPC.MaxAttempts).
		WithDefaultBackoff(Backoff(cfg.Retry)).
		WithObserver(obs...)

	switch cfg.Broker.Transport {
	case memory.TransportName:
		mc := memory.Defaults()
		mc.QueueConcurrency = cfg.Broker.QueueConcurrency
		mc.GroupStart = cfg.Broker.GroupStart
		mc.DeadLetter = cfg.Broker.DeadLetter
		b.WithTransportInstance(memory.NewTransport(mc))
	case redisbroker.TransportName:
		rc := RedisConfig(cfg.Broker)
		if err := rc.Validate(); err != nil {
			return nil, err
		}
		t, err := redisbroker.NewTransport(rc)
		if err != nil {
			return nil, fmt.Errorf("connect broker: %w", err)
		}
		b.WithTransportInstance(t)
	default:
		return nil, messaging.UnknownTransportError{Name: cfg.Broker.Transport}
	}
	return b.Build()
}

// Kinds returns fresh request and event registries with the board protocol registered.
func Kinds() (requests, events *messaging.Kinds, err error) {
	requests, events = messaging.NewKinds(), messaging.NewKinds()
	if err := kanban.RegisterRequests(requests); err != nil {
		return nil, nil, err
	}
	if err := kanban.RegisterEvents(events); err != nil {
		return nil, nil, err
	}
	return requests, events, nil
}

// NewMetrics builds a registry with process collectors and the kanban metrics.
func NewMetrics() (*metrics.Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg)
}
