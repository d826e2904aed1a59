package transport

// MetadataKeyDelayMS is the metadata key a publisher reads to defer
// delivery broker-side. The value is a delay in whole milliseconds.
// Transports with SupportsDelay honor it; everywhere else the application
// emulates the wait before publishing.
const MetadataKeyDelayMS = "fb_delay_ms"

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsDelay indicates the transport honors MetadataKeyDelayMS and
	// defers delivery broker-side. When false, retry backoff is emulated
	// by the application.
	SupportsDelay bool

	// SupportsNativeDLQ indicates the transport has built-in dead letter queue
	// support. When false, fleetbus handles DLQ routing at the application level.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	// When true, messages within a partition/stream are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPriority indicates the transport supports message priority queues.
	SupportsPriority bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// SupportsWildcards indicates the broker itself can bind a consumer to
	// a routing-key pattern (AMQP topic exchanges, NATS subjects). The
	// event bus matches patterns in-process either way; this flag reports
	// whether the broker could also filter.
	SupportsWildcards bool

	// SupportsFanout indicates a published message can reach every bound
	// consumer, not just one of a competing group.
	SupportsFanout bool

	// SupportsDurableSubscriptions indicates subscriptions survive a
	// broker or consumer restart without losing messages.
	SupportsDurableSubscriptions bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// RequiresDelayEmulation returns true if the transport needs application-level
// delay handling because it doesn't support native delayed delivery.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDLQEmulation returns true if the transport needs application-level
// DLQ routing because it doesn't support native dead letter queues.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsDelay:     false,
		SupportsNativeDLQ: false,
		SupportsOrdering:  true,
		SupportsTracing:   false,
		SupportsBatching:  false,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  false,
		SupportsWildcards: false,
		SupportsFanout:    true,
	}

	// KafkaCapabilities for the Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                         "kafka",
		SupportsDelay:                false,
		SupportsNativeDLQ:            false,
		SupportsOrdering:             true,
		SupportsTracing:              true,
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsNack:                 false,
		SupportsPriority:             false,
		SupportsPartitioning:         true,
		SupportsWildcards:            false,
		SupportsFanout:               true,
		SupportsDurableSubscriptions: true,
		MaxMessageSize:               1048576, // Default 1MB
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP transport. The topic
	// exchange gives wildcard queue bindings; broker-side delay would need
	// the delayed-message plugin, which the transport does not assume.
	RabbitMQCapabilities = Capabilities{
		Name:                         "rabbitmq",
		SupportsDelay:                false,
		SupportsNativeDLQ:            true,
		SupportsOrdering:             true,
		SupportsTracing:              true,
		SupportsBatching:             false,
		SupportsAck:                  true,
		SupportsNack:                 true,
		SupportsPriority:             true,
		SupportsWildcards:            true,
		SupportsFanout:               true,
		SupportsDurableSubscriptions: true,
	}

	// NATSCapabilities for the NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsDelay:     false,
		SupportsNativeDLQ: false,
		SupportsOrdering:  false,
		SupportsTracing:   true,
		SupportsBatching:  false,
		SupportsAck:       false,
		SupportsNack:      false,
		SupportsPriority:  false,
		SupportsWildcards: true,
		SupportsFanout:    true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for the NATS JetStream transport. The only
	// built-in transport whose publisher honors MetadataKeyDelayMS.
	NATSJetStreamCapabilities = Capabilities{
		Name:                         "nats-jetstream",
		SupportsDelay:                true,
		SupportsNativeDLQ:            true,
		SupportsOrdering:             true,
		SupportsTracing:              true,
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsNack:                 true,
		SupportsPriority:             false,
		SupportsWildcards:            true,
		SupportsFanout:               true,
		SupportsDurableSubscriptions: true,
		MaxMessageSize:               1048576, // Default 1MB
	}

	// AWSCapabilities for the AWS SNS/SQS transport. SQS DelaySeconds is
	// not wired through the publisher, so delay stays application-side.
	AWSCapabilities = Capabilities{
		Name:                         "aws",
		SupportsDelay:                false,
		SupportsNativeDLQ:            true,
		SupportsOrdering:             true,
		SupportsTracing:              true,
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsNack:                 true,
		SupportsPriority:             false,
		SupportsWildcards:            false,
		SupportsFanout:               true,
		SupportsDurableSubscriptions: true,
		MaxMessageSize:               262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
