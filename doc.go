// Package fleetbus is the message-broker RPC layer used between the fleet
// gateway and its service blocks. It builds on Watermill: a Service hosts the
// router, publisher, and subscriber for one process, and the default
// middleware chain covers correlation IDs, structured logging, tracing,
// metrics, retries, poison queue forwarding, and panic recovery.
//
// On the gateway side, a Dispatcher turns an HTTP-style call into a request
// envelope on the target block's queue and blocks until the matching response
// envelope arrives on the shared reply topic. Duplicate calls collapse onto
// one broker round trip, a per-service circuit breaker answers calls locally
// while a block is down, and every call leaves a span trail that can be read
// back by call ID. Gateway wraps the Dispatcher in an http.Handler.
//
// On the service side, RegisterRequestConsumer binds a Router of path-pattern
// handlers to the block's request queue; every consumed envelope yields
// exactly one response envelope, whether the handler succeeds, fails, or
// panics. EventBus carries the fire-and-forget traffic on a shared event
// stream: handlers subscribe with wildcard key patterns such as "vehicle.*",
// and failed deliveries are republished with a bounded retry budget before
// landing on a dead letter topic.
//
// # Transports
//
// The broker behind a Service is selected by Config.PubSubSystem:
//   - channel: in-memory Go channels for testing
//   - kafka: high-throughput streaming with consumer groups
//   - rabbitmq: AMQP durable queues
//   - nats: core NATS messaging
//   - nats-jetstream: NATS with persistence
//   - aws: AWS SNS/SQS, LocalStack included
//
// A minimal setup fills Config (or reads it with FromEnv), creates a Service,
// registers a Dispatcher or a request consumer, and calls Start. The examples
// directory holds runnable gateway, service block, and event pipelines.
package fleetbus
