// Package config loads process configuration with viper: built-in defaults,
// an optional TOML file, then KANBAN_* environment variables
// (KANBAN_BROKER_URL, KANBAN_TOKENS_SECRET, ...). The result is validated with
// validator tags before any component starts.
package config
