package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KANBAN_BROKER_URL.
const EnvPrefix = "KANBAN"

const redacted = "********"

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.transport", "redis")
	v.SetDefault("broker.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("broker.key_prefix", "kanban")
	v.SetDefault("broker.consumer", "")
	v.SetDefault("broker.concurrency", 1)
	v.SetDefault("broker.queue_concurrency", 8)
	v.SetDefault("broker.batch_size", 64)
	v.SetDefault("broker.block", "5s")
	v.SetDefault("broker.group_start", "$")
	v.SetDefault("broker.dead_letter", "")
	v.SetDefault("broker.max_len_approx", 0)
	v.SetDefault("broker.claim_min_idle", "1m")
	v.SetDefault("broker.claim_interval", "15s")
	v.SetDefault("broker.claim_batch", 64)
	v.SetDefault("broker.poll_interval", "200ms")
	v.SetDefault("broker.lease", "5m")
	v.SetDefault("broker.completed_retention", "24h")
	v.SetDefault("broker.dead_retention", 10000)
	v.SetDefault("broker.ack_timeout", "5s")

	v.SetDefault("rpc.timeout", "30s")
	v.SetDefault("rpc.max_attempts", 3)
	v.SetDefault("rpc.requests_queue", "requests")
	v.SetDefault("rpc.responses_queue", "responses")
	v.SetDefault("rpc.max_pending", 1024)

	v.SetDefault("retry.initial", "1s")
	v.SetDefault("retry.max", "1m")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.3)

	v.SetDefault("events.stream", "kanban-events")
	v.SetDefault("events.api_group", "api-broadcast")
	v.SetDefault("events.worker_group", "worker-analysis")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.metrics_addr", "127.0.0.1:9091")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("store.path", "kanban.db")

	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.ttl", "168h")
	v.SetDefault("tokens.issuer", "personal-kanban")
}

// Load reads defaults, then the TOML file at path when given, then KANBAN_*
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.settings = v.AllSettings()
	if tokens, ok := cfg.settings["tokens"].(map[string]any); ok && cfg.Tokens.Secret != "" {
		tokens["secret"] = redacted
	}
	return &cfg, nil
}

// Validate checks every section and reports all failing fields at once.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath turns "Config.Tokens.Secret" into "tokens.secret".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

// TOML renders the effective configuration with secrets masked.
func (c *Config) TOML() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		settings = map[string]any{}
	}
	return toml.Marshal(settings)
}
