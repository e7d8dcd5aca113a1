// Package redisstream provides a Redis Streams transport for xrpc.
//
// Transport name: "redis-streams"
//
// Every RPC route is a stream; a serving app reads it through a consumer
// group. Message metadata (delivery_mode, request_id, reply_to) is stored as
// "meta:" prefixed entry fields next to the encrypted payload.
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - group: consumer group used when Subscribe gets none (default "xrpc")
//   - consumer: consumer name (default "xrpc-<host>-<pid>")
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream name to write failed messages (optional)
//   - claim_min_idle, claim_interval, claim_batch: pending entry recovery
//   - max_deliveries: deliveries before a nacked entry is dead-lettered
//
// Example builder usage:
//
//	node, _ := xrpc.NewNodeBuilder().
//	    WithApp("billing").
//	    WithKey(key).
//	    WithPublisher("redis", redisstream.TransportName, map[string]any{
//	        "addr":           "localhost:6379",
//	        "consumer":       "billing-1",
//	        "concurrency":    16,
//	        "block":          "5s",
//	        "dead_letter":    "rpc.dlq",
//	        "claim_min_idle": "30s",
//	        "max_deliveries": 3,
//	    }).
//	    Build()
package redisstream
