package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetbus/transport"
)

type natsConfig struct {
	url string
}

func (c natsConfig) GetPubSubSystem() string       { return TransportName }
func (c natsConfig) GetKafkaBrokers() []string     { return nil }
func (c natsConfig) GetKafkaConsumerGroup() string { return "" }
func (c natsConfig) GetRabbitMQURL() string        { return "" }
func (c natsConfig) GetNATSURL() string            { return c.url }
func (c natsConfig) GetAWSRegion() string          { return "" }
func (c natsConfig) GetAWSAccountID() string       { return "" }
func (c natsConfig) GetAWSAccessKeyID() string     { return "" }
func (c natsConfig) GetAWSSecretAccessKey() string { return "" }
func (c natsConfig) GetAWSEndpoint() string        { return "" }

type fakePublisher struct{}

func (fakePublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (fakePublisher) Close() error                                             { return nil }

type fakeSubscriber struct{}

func (fakeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (fakeSubscriber) Close() error { return nil }

func swapFactories(t *testing.T) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.SupportsTracing)
	// Core NATS is at-most-once; acks and redelivery need JetStream.
	assert.False(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.RequiresDelayEmulation())
	assert.True(t, caps.RequiresDLQEmulation())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuildWiresServerURL(t *testing.T) {
	swapFactories(t)

	pub, sub := fakePublisher{}, fakeSubscriber{}
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, "nats://nats.fleet:4222", cfg.URL)
		return pub, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "nats://nats.fleet:4222", cfg.URL)
		return sub, nil
	}

	tr, err := Build(context.Background(), natsConfig{url: "nats://nats.fleet:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, message.Publisher(pub), tr.Publisher)
	assert.Equal(t, message.Subscriber(sub), tr.Subscriber)
}

func TestBuildPublisherError(t *testing.T) {
	swapFactories(t)

	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("nats: no servers available")
	}

	_, err := Build(context.Background(), natsConfig{url: "nats://nats.fleet:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no servers available")
}

func TestBuildSubscriberError(t *testing.T) {
	swapFactories(t)

	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return fakePublisher{}, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("nats: subscription failed")
	}

	_, err := Build(context.Background(), natsConfig{url: "nats://nats.fleet:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription failed")
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "nats", TransportName)
}
