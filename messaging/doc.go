// Package messaging is the transport layer shared by the RPC bridge and the
// domain event bus.
//
// A Transport offers two primitives on one broker connection:
//
//   - a named job queue (Enqueue/Consume) with per-job identity, bounded
//     redelivery with exponential backoff and a dead set for exhausted jobs;
//   - a durable append-only log (Append/Subscribe/Read) with independent
//     consumer groups, each tracking its own cursor.
//
// Client wraps a Transport with codec, clock, logging, middleware, observers
// and metrics. Adapters live under messaging/adapter and register themselves
// by name:
//
//	client, err := messaging.NewClientBuilder().
//	    WithLogger(logger).
//	    WithTransport(redisbroker.TransportName, map[string]any{
//	        "url":         "redis://localhost:6379/0",
//	        "concurrency": 8,
//	    }).
//	    Build()
package messaging
