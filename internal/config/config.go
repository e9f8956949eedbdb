package config

import "time"

// Config holds the settings of both processes. Sections a process does not use
// are still validated so one file serves both.
type Config struct {
	Broker BrokerConfig `mapstructure:"broker" validate:"required"`
	RPC    RPCConfig    `mapstructure:"rpc" validate:"required"`
	Retry  RetryConfig  `mapstructure:"retry" validate:"required"`
	Events EventsConfig `mapstructure:"events" validate:"required"`
	Log    LogConfig    `mapstructure:"log" validate:"required"`
	HTTP   HTTPConfig   `mapstructure:"http" validate:"required"`
	Store  StoreConfig  `mapstructure:"store" validate:"required"`
	Tokens TokensConfig `mapstructure:"tokens" validate:"required"`

	settings map[string]any
}

// BrokerConfig selects and tunes the message transport.
type BrokerConfig struct {
	Transport          string        `mapstructure:"transport" validate:"required,oneof=redis memory"`
	URL                string        `mapstructure:"url" validate:"required_if=Transport redis"`
	KeyPrefix          string        `mapstructure:"key_prefix" validate:"required"`
	Consumer           string        `mapstructure:"consumer"`
	Concurrency        int           `mapstructure:"concurrency" validate:"gte=1"`
	QueueConcurrency   int           `mapstructure:"queue_concurrency" validate:"gte=1"`
	BatchSize          int           `mapstructure:"batch_size" validate:"gte=1"`
	Block              time.Duration `mapstructure:"block" validate:"gt=0"`
	GroupStart         string        `mapstructure:"group_start" validate:"oneof=$ 0"`
	DeadLetter         string        `mapstructure:"dead_letter"`
	MaxLenApprox       int64         `mapstructure:"max_len_approx" validate:"gte=0"`
	ClaimMinIdle       time.Duration `mapstructure:"claim_min_idle" validate:"gt=0"`
	ClaimInterval      time.Duration `mapstructure:"claim_interval" validate:"gt=0"`
	ClaimBatch         int           `mapstructure:"claim_batch" validate:"gte=1"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Lease              time.Duration `mapstructure:"lease" validate:"gt=0"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	DeadRetention      int           `mapstructure:"dead_retention" validate:"gte=1"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout" validate:"gte=0"`
}

// RPCConfig tunes the request/response bridge.
type RPCConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	RequestsQueue  string        `mapstructure:"requests_queue" validate:"required"`
	ResponsesQueue string        `mapstructure:"responses_queue" validate:"required"`
	MaxPending     int           `mapstructure:"max_pending" validate:"gte=0"`
}

// RetryConfig is the redelivery backoff of queue jobs.
type RetryConfig struct {
	Initial    time.Duration `mapstructure:"initial" validate:"gt=0"`
	Max        time.Duration `mapstructure:"max" validate:"gtefield=Initial"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
	Jitter     float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// EventsConfig names the event log and the consumer groups following it.
type EventsConfig struct {
	Stream      string `mapstructure:"stream" validate:"required"`
	APIGroup    string `mapstructure:"api_group" validate:"required"`
	WorkerGroup string `mapstructure:"worker_group" validate:"required,nefield=APIGroup"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=auto console json"`
}

// HTTPConfig is the API listener. The worker serves only /metrics, on MetricsAddr.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	MetricsAddr     string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TokensConfig signs action tokens.
type TokensConfig struct {
	Secret string        `mapstructure:"secret" validate:"required,min=32"`
	TTL    time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Issuer string        `mapstructure:"issuer" validate:"required"`
}
