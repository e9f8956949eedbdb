// Package redisbroker implements messaging.Transport on Redis.
//
// The durable log maps onto Redis Streams: Append pipelines XADD, Subscribe
// creates the consumer group with XGROUP CREATE MKSTREAM, drains the
// consumer's own pending entries and then reads new ones with XREADGROUP,
// acknowledges with XACK and reclaims idle entries with XPENDING/XCLAIM.
//
// Queues keep one hash per job and three sorted sets (waiting, active, dead)
// whose transitions run as Lua scripts. A leased job that is never acked or
// nacked returns to waiting when its lease expires.
//
// Registering the package makes the "redis" transport available:
//
//	import _ "github.com/51f0x/personal-kanban/messaging/adapter/redisbroker"
//
//	client, err := messaging.NewClientBuilder().
//	    WithTransport("redis", map[string]any{"url": "redis://localhost:6379/0"}).
//	    Build()
package redisbroker
