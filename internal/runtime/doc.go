// Package runtime implements the broker-backed RPC core behind the
// fleetbus public API.
//
// A Service owns the transport (publisher, subscriber, Watermill router),
// the middleware chain, and the shared resilience primitives: the pending
// call registry that correlates responses to waiters, the per-downstream
// circuit breakers, the request deduplicator, and the span tracer.
//
// On the gateway side, a Dispatcher turns a dispatch into a request
// envelope published to the downstream block's queue and awaits the
// correlated response on the shared reply topic. On the service side, a
// request consumer routes envelopes through an ordered route table and
// answers every one with a response envelope, including on handler panic.
// The EventBus covers the uncorrelated path: events ride one shared
// stream topic keyed by metadata, handlers match the key with wildcard
// patterns, and failed deliveries are republished with a bounded retry
// budget before landing on a dead letter topic.
package runtime
