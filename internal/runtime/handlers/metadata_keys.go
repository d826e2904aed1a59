package handlers

// Metadata key constants used throughout fleetbus.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyCallID carries the RPC call identifier on broker messages.
	MetadataKeyCallID = "call_id"

	// MetadataKeyRetryCount counts redeliveries of an event message.
	MetadataKeyRetryCount = "fleetbus_retry_count"

	// MetadataKeyEventKey is the routing key of an event on the shared
	// event stream ("vehicle.created"). Subscriber patterns match this key.
	MetadataKeyEventKey = "fleetbus_event_key"

	// MetadataKeyRetryHandler names the one handler a republished retry is
	// addressed to, so handlers that already succeeded do not run again.
	MetadataKeyRetryHandler = "fleetbus_retry_handler"

	// MetadataKeyOriginalKey preserves the event's routing key on dead
	// letter copies, where the consuming topic no longer carries it.
	MetadataKeyOriginalKey = "fleetbus_original_key"

	// MetadataKeyFailureReason records why an event landed on the dead letter topic.
	MetadataKeyFailureReason = "fleetbus_failure_reason"

	// MetadataKeyEnqueuedAt records when a message was enqueued.
	MetadataKeyEnqueuedAt = "fleetbus_enqueued_at"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
