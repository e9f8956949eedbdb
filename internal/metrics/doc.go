// Package metrics exposes Prometheus metrics for the messaging client, RPC
// calls and local event handlers.
package metrics
