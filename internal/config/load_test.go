package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("KANBAN_TOKENS_SECRET", testSecret)
	t.Setenv("KANBAN_RPC_TIMEOUT", "5s")
	t.Setenv("KANBAN_BROKER_URL", "redis://cache:6379/2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Broker.Transport)
	assert.Equal(t, "redis://cache:6379/2", cfg.Broker.URL)
	assert.Equal(t, 5*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, "requests", cfg.RPC.RequestsQueue)
	assert.Equal(t, "responses", cfg.RPC.ResponsesQueue)
	assert.Equal(t, 3, cfg.RPC.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Initial)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, "kanban-events", cfg.Events.Stream)
	assert.Equal(t, "api-broadcast", cfg.Events.APIGroup)
	assert.Equal(t, "worker-analysis", cfg.Events.WorkerGroup)
	assert.Equal(t, 5*time.Minute, cfg.Broker.Lease)
	assert.Equal(t, testSecret, cfg.Tokens.Secret)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("KANBAN_LOG_LEVEL", "debug")
	path := filepath.Join(t.TempDir(), "kanban.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[broker]
transport = "memory"

[rpc]
timeout = "2s"
max_pending = 10

[tokens]
secret = "`+testSecret+`"
ttl = "1h"

[log]
level = "warn"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Broker.Transport)
	assert.Equal(t, 2*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 10, cfg.RPC.MaxPending)
	assert.Equal(t, time.Hour, cfg.Tokens.TTL)
	assert.Equal(t, "debug", cfg.Log.Level, "environment wins over the file")

	out, err := cfg.TOML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "[rpc]")
	assert.Contains(t, string(out), "memory")
	assert.NotContains(t, string(out), testSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "short secret", env: map[string]string{"KANBAN_TOKENS_SECRET": "short"}, wantErr: "tokens.secret"},
		{name: "bad level", env: map[string]string{"KANBAN_LOG_LEVEL": "loud"}, wantErr: "log.level"},
		{name: "bad transport", env: map[string]string{"KANBAN_BROKER_TRANSPORT": "kafka"}, wantErr: "broker.transport"},
		{name: "zero timeout", env: map[string]string{"KANBAN_RPC_TIMEOUT": "0s"}, wantErr: "rpc.timeout"},
		{name: "same groups", env: map[string]string{"KANBAN_EVENTS_WORKER_GROUP": "api-broadcast"}, wantErr: "events.workergroup"},
		{name: "max below initial", env: map[string]string{"KANBAN_RETRY_MAX": "10ms"}, wantErr: "retry.max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KANBAN_TOKENS_SECRET", testSecret)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
