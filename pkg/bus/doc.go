// Package bus implements the Redis-backed command/event bus that ties the
// worker orchestration components together.
//
// The bus carries four kinds of traffic:
//
//   - the command stream (worker:commands), consumed by worker managers
//     through a consumer group, with responses on per-family
//     worker:responses:* streams correlated by request_id
//   - per-worker task streams (worker:{id}:input / worker:{id}:output)
//   - the lifecycle stream (worker:lifecycle) of wrapper state events
//   - TTL'd keys and hashes for sessions, crash attribution, and the
//     image cache LRU
//
// Delivery is at-least-once; consumers ACK only after handling and must be
// idempotent. All writers emit the single-"data"-field wire form; readers
// of non-command streams also accept flattened field maps for
// compatibility.
package bus
