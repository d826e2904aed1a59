package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	backoffpkg "github.com/fleetops/fleetbus/internal/runtime/backoff"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	handlerpkg "github.com/fleetops/fleetbus/internal/runtime/handlers"
	idspkg "github.com/fleetops/fleetbus/internal/runtime/ids"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
	transportpkg "github.com/fleetops/fleetbus/internal/runtime/transport"
)

// eventStreamConsumerName labels the single router handler that consumes
// the shared event stream for this process.
const eventStreamConsumerName = "event_stream_consumer"

// Event is one fire-and-forget message delivered to an event handler.
type Event struct {
	// Key is the routing key the event was published under, for example
	// "vehicle.created". Subscriber patterns are matched against it.
	Key      string
	Payload  json.RawMessage
	Metadata metadatapkg.Metadata
	// RetryCount is how many times this event has already been retried.
	RetryCount int
	Logger     loggingpkg.ServiceLogger
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return jsoncodec.Unmarshal(e.Payload, v)
}

// EventHandler processes one event. A returned error triggers a republish
// with an incremented retry count until the retry budget runs out, after
// which the event moves to the dead letter topic.
type EventHandler func(ctx context.Context, evt Event) error

// eventBinding is one subscribed handler: its unique name, the key pattern
// it cares about, and the handler wrapped with the retry/DLQ pipeline.
type eventBinding struct {
	name    string
	pattern string
	wrapped message.HandlerFunc
}

// EventBus is the fire-and-forget side of the bus: no correlation, no
// pending call, no circuit. All events ride one shared stream topic with
// their routing key in metadata; subscribed patterns ("vehicle.*",
// "vehicle.#") are matched against that key in subscription order, so
// wildcard routing behaves the same on every transport. Reliability comes
// from republish-based retries and the dead letter topic, not from a
// waiting caller.
type EventBus struct {
	svc        *Service
	maxRetries int
	delays     backoffpkg.Policy

	// nativeDelay marks a transport whose publisher honors the delay
	// metadata key, so retry copies defer broker-side instead of holding
	// the consuming handler in a sleep.
	nativeDelay bool

	mu                 sync.Mutex
	bindings           []*eventBinding
	consumerRegistered bool

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewEventBus builds an event bus using the service's retry configuration.
func NewEventBus(svc *Service) (*EventBus, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}

	maxRetries := svc.Conf.EventMaxRetries
	return &EventBus{
		svc:        svc,
		maxRetries: maxRetries,
		delays: backoffpkg.Policy{
			MaxAttempts:     maxRetries + 1,
			InitialInterval: svc.Conf.EventRetryInitialInterval,
			Multiplier:      svc.Conf.EventRetryMultiplier,
			MaxInterval:     svc.Conf.EventRetryMaxInterval,
		}.WithDefaults(),
		nativeDelay: transportpkg.GetCapabilities(svc.Conf.PubSubSystem).SupportsDelay,
		sleep:       time.Sleep,
	}, nil
}

// Publish emits an event under the routing key onto the shared event stream.
func (b *EventBus) Publish(ctx context.Context, key string, payload any, metadata metadatapkg.Metadata) error {
	return b.svc.PublishEvent(ctx, key, payload, metadata)
}

// Subscribe attaches an event handler to a routing-key pattern. The pattern
// follows AMQP topic semantics: segments are dot-separated, "*" matches
// exactly one segment, "#" matches zero or more ("#" alone receives every
// event). The handler name must be unique per process; it labels the
// handler's stats and its dead letter records.
func (b *EventBus) Subscribe(name, pattern string, handler EventHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if pattern == "" {
		return errspkg.ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bind := range b.bindings {
		if bind.name == name {
			return fmt.Errorf("fleetbus: event handler %q is already subscribed", name)
		}
	}
	b.bindings = append(b.bindings, &eventBinding{
		name:    name,
		pattern: pattern,
		wrapped: b.buildEventHandler(name, handler),
	})

	return b.ensureConsumerLocked()
}

// ensureConsumerLocked registers the one stream consumer on first use. All
// bindings share it; dispatch fans a delivered event out to every binding
// whose pattern matches the event key.
func (b *EventBus) ensureConsumerLocked() error {
	if b.consumerRegistered {
		return nil
	}
	if err := RegisterMessageHandler(b.svc, MessageHandlerRegistration{
		Name:         eventStreamConsumerName,
		ConsumeQueue: b.svc.Conf.EventTopicName(),
		Handler:      b.dispatchEvent,
	}); err != nil {
		return err
	}
	b.consumerRegistered = true
	return nil
}

// dispatchEvent routes one delivered stream message to the matching
// bindings, in subscription order. A retry copy is addressed to the one
// handler that failed; bindings that already succeeded on the original
// delivery are skipped. Binding failures are joined so the broker
// redelivers when any retry/DLQ publish could not be placed.
func (b *EventBus) dispatchEvent(msg *message.Message) ([]*message.Message, error) {
	key := msg.Metadata.Get(handlerpkg.MetadataKeyEventKey)
	retryTarget := msg.Metadata.Get(handlerpkg.MetadataKeyRetryHandler)

	b.mu.Lock()
	bindings := make([]*eventBinding, len(b.bindings))
	copy(bindings, b.bindings)
	b.mu.Unlock()

	var errs []error
	matched := false
	for _, bind := range bindings {
		if retryTarget != "" && bind.name != retryTarget {
			continue
		}
		if !matchEventKey(bind.pattern, key) {
			continue
		}
		matched = true
		if _, err := bind.wrapped(msg); err != nil {
			errs = append(errs, err)
		}
	}

	if !matched {
		b.svc.Logger.Info("Event matched no handler", loggingpkg.LogFields{
			"event_key": key,
		})
	}
	return nil, errors.Join(errs...)
}

// buildEventHandler wraps the handler with the retry/DLQ policy. Failed
// events are republished to the stream with the retry count header
// incremented and the handler name attached; the republished copy is a new
// broker message, so the original can be acked. Once the budget is spent
// the event is published to the dead letter topic with the failure reason
// attached, and acked.
func (b *EventBus) buildEventHandler(name string, handler EventHandler) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		md := metadatapkg.FromWatermill(msg.Metadata)
		key := md[handlerpkg.MetadataKeyEventKey]
		retryCount := parseRetryCount(md[handlerpkg.MetadataKeyRetryCount])

		evt := Event{
			Key:        key,
			Payload:    json.RawMessage(msg.Payload),
			Metadata:   md,
			RetryCount: retryCount,
			Logger: b.svc.Logger.With(loggingpkg.LogFields{
				"handler":   name,
				"event_key": key,
			}),
		}

		err := b.runEventHandler(handler, msg.Context(), evt)
		if err == nil {
			return nil, nil
		}

		nextRetry := retryCount + 1
		if nextRetry > b.maxRetries {
			return nil, b.deadLetter(msg, name, key, retryCount, err)
		}

		delay := b.delays.Delay(nextRetry)
		if delay > 0 && !b.nativeDelay {
			b.sleep(delay)
			delay = 0
		}
		return nil, b.republish(msg, name, key, nextRetry, delay, err)
	}
}

// runEventHandler guards against panicking handlers so the retry/DLQ
// bookkeeping still runs.
func (b *EventBus) runEventHandler(handler EventHandler, ctx context.Context, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

// republish puts a fresh retry copy back on the stream, addressed to the
// failing handler. A positive delay is stamped as the transport delay
// header for broker-side deferral; zero means the wait already happened
// in-process.
func (b *EventBus) republish(msg *message.Message, name, key string, retryCount int, delay time.Duration, cause error) error {
	retry := message.NewMessage(idspkg.NewCallID(), msg.Payload)
	retry.Metadata = cloneMetadata(msg.Metadata)
	retry.Metadata[handlerpkg.MetadataKeyRetryCount] = strconv.Itoa(retryCount)
	retry.Metadata[handlerpkg.MetadataKeyRetryHandler] = name
	if delay > 0 {
		retry.Metadata[transportpkg.MetadataKeyDelayMS] = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	b.svc.Logger.Info("Retrying event", loggingpkg.LogFields{
		"event_key":   key,
		"handler":     name,
		"retry_count": retryCount,
		"cause":       cause.Error(),
	})

	if err := b.svc.publisher.Publish(b.svc.Conf.EventTopicName(), retry); err != nil {
		// Republish failed: surface the error so the broker redelivers the
		// original instead of losing the event.
		return fmt.Errorf("republish event for retry: %w", err)
	}
	return nil
}

func (b *EventBus) deadLetter(msg *message.Message, name, key string, retryCount int, cause error) error {
	dead := message.NewMessage(idspkg.NewCallID(), msg.Payload)
	dead.Metadata = cloneMetadata(msg.Metadata)
	dead.Metadata[handlerpkg.MetadataKeyFailureReason] = cause.Error()
	dead.Metadata[handlerpkg.MetadataKeyOriginalKey] = key
	delete(dead.Metadata, handlerpkg.MetadataKeyRetryHandler)

	dlqTopic := b.svc.Conf.DeadLetterTopicName()
	if err := b.svc.publisher.Publish(dlqTopic, dead); err != nil {
		return fmt.Errorf("publish event to dead letter topic: %w", err)
	}

	b.svc.dlqMetrics.RecordMessageToDLQ(key, name, retryCount, messageAge(msg))
	b.svc.Logger.Error("Event moved to dead letter topic", cause, loggingpkg.LogFields{
		"event_key":   key,
		"handler":     name,
		"dlq_topic":   dlqTopic,
		"retry_count": retryCount,
	})
	return nil
}

// Replay publishes one dead-lettered event back onto the stream under its
// original routing key, with the retry budget and failure bookkeeping
// reset, and records the replay in the DLQ metrics. The argument is the
// dead letter copy as consumed from the dead letter topic.
func (b *EventBus) Replay(dead *message.Message) error {
	if dead == nil {
		return errspkg.ErrPayloadRequired
	}
	key := dead.Metadata.Get(handlerpkg.MetadataKeyOriginalKey)
	if key == "" {
		key = dead.Metadata.Get(handlerpkg.MetadataKeyEventKey)
	}
	if key == "" {
		return fmt.Errorf("fleetbus: dead letter %s carries no event key", dead.UUID)
	}

	replay := message.NewMessage(idspkg.NewCallID(), dead.Payload)
	replay.Metadata = cloneMetadata(dead.Metadata)
	replay.Metadata[handlerpkg.MetadataKeyEventKey] = key
	delete(replay.Metadata, handlerpkg.MetadataKeyOriginalKey)
	delete(replay.Metadata, handlerpkg.MetadataKeyFailureReason)
	delete(replay.Metadata, handlerpkg.MetadataKeyRetryCount)
	delete(replay.Metadata, handlerpkg.MetadataKeyRetryHandler)

	if err := b.svc.publisher.Publish(b.svc.Conf.EventTopicName(), replay); err != nil {
		return fmt.Errorf("replay dead letter: %w", err)
	}

	b.svc.dlqMetrics.RecordMessageReplayed(key)
	b.svc.Logger.Info("Replayed dead letter", loggingpkg.LogFields{
		"event_key": key,
	})
	return nil
}

// Purge records that count dead letters for the event key were discarded
// without replay. Removing the broker-side messages is the operator's
// action; Purge keeps the DLQ accounting in step with it.
func (b *EventBus) Purge(key string, count int64) {
	if count <= 0 {
		return
	}
	b.svc.dlqMetrics.RecordMessagesPurged(key, count)
	b.svc.Logger.Info("Purged dead letters", loggingpkg.LogFields{
		"event_key": key,
		"count":     count,
	})
}

// matchEventKey reports whether an AMQP-style pattern matches a routing
// key. "*" matches exactly one dot-separated segment, "#" zero or more.
func matchEventKey(pattern, key string) bool {
	if pattern == key {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// cloneMetadata copies a metadata map so a republished message never
// aliases the original's headers.
func cloneMetadata(md message.Metadata) message.Metadata {
	cloned := make(message.Metadata, len(md)+2)
	for k, v := range md {
		cloned[k] = v
	}
	return cloned
}

func parseRetryCount(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func messageAge(msg *message.Message) time.Duration {
	raw := msg.Metadata.Get(handlerpkg.MetadataKeyEnqueuedAt)
	if raw == "" {
		return 0
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	age := time.Since(ts)
	if age < 0 {
		return 0
	}
	return age
}
