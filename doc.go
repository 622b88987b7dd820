// Package chirpflow delivers chat events to connected clients across a fleet
// of stateless instances. Every instance holds its own WebSocket and SSE
// connections, while ordering, catch-up history, presence and deduplication
// live in a shared store (Redis, PostgreSQL, or in-memory for tests).
//
// Producers call the Notifier (or the bus directly): each broadcast receives a
// monotonically increasing sequence number, is appended to the bounded
// catch-up log and is published on the shared broadcast channel. Every
// instance runs a listener that fans each envelope out to the targeted users'
// local connections. Clients that missed events ask GET /events/sync for
// everything after their last sequence and are told to resync when the cursor
// predates the retained window.
//
// A minimal setup fills Config (LoadConfig reads CHIRPFLOW_* variables),
// creates a Service and calls Start. ServiceDependencies lets embedders bring
// their own directory of chats, profiles and messages, a push notifier, a
// store or a transport registry.
//
// # Transports
//
// The broadcast channel is any Watermill publisher/subscriber pair:
//   - redis: Redis pub/sub, the default
//   - channel: In-memory Go channels for single-instance runs and tests
//   - kafka: Partitioned log with consumer groups
//   - rabbitmq: AMQP fanout exchange
//   - nats: NATS subjects
//   - aws: SNS/SQS with LocalStack support
//
// Transports that cannot replay messages to a late subscriber report it in
// their Capabilities; clients recover through the catch-up endpoint.
package chirpflow
