package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	handlerpkg "github.com/fleetops/fleetbus/internal/runtime/handlers"
	idspkg "github.com/fleetops/fleetbus/internal/runtime/ids"
	"github.com/fleetops/fleetbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
)

// NewEventMessage converts a payload into a broker message with the standard
// event metadata: a fresh ULID, the enqueue timestamp, and the caller's
// headers.
func NewEventMessage(payload any, metadata metadatapkg.Metadata) (*message.Message, error) {
	if payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	encoded, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	msg := message.NewMessage(idspkg.NewCallID(), encoded)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	msg.Metadata[handlerpkg.MetadataKeyEnqueuedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return msg, nil
}

// PublishJSON marshals the payload and publishes it to the provided topic.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, payload any, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewEventMessage(payload, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishEvent emits the payload as an event under the given routing key.
// Events ride the shared event stream topic; the key travels in metadata,
// where subscriber patterns are matched against it.
func (s *Service) PublishEvent(ctx context.Context, key string, payload any, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("bus service is nil")
	}
	if key == "" {
		return errspkg.ErrTopicRequired
	}
	return PublishJSON(ctx, s.publisher, s.Conf.EventTopicName(),
		payload, metadata.With(handlerpkg.MetadataKeyEventKey, key))
}
