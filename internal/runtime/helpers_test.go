package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/fleetops/fleetbus/internal/runtime/config"
	loggingpkg "github.com/fleetops/fleetbus/internal/runtime/logging"
	transportpkg "github.com/fleetops/fleetbus/internal/runtime/transport"
)

// capturingPublisher records every published message and optionally reacts
// to a publish, e.g. by resolving the pending call the message belongs to.
type capturingPublisher struct {
	mu        sync.Mutex
	published map[string][]*message.Message
	onPublish func(topic string, msg *message.Message) error
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{published: make(map[string][]*message.Message)}
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if p.onPublish != nil {
			if err := p.onPublish(topic, msg); err != nil {
				return err
			}
		}
		p.mu.Lock()
		p.published[topic] = append(p.published[topic], msg)
		p.mu.Unlock()
	}
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) messages(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*message.Message, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}

func (p *capturingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published[topic])
}

type stubSubscriber struct{}

func (s stubSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s stubSubscriber) Close() error { return nil }

type stubTransportFactory struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func (f stubTransportFactory) Build(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
	return transportpkg.Transport{
		Publisher:  f.publisher,
		Subscriber: f.subscriber,
	}, nil
}

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{})
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName:  "gateway",
		PubSubSystem: "channel",
	}
}

// newTestService builds a Service on a capturing publisher so tests can run
// the dispatch pipeline without a broker.
func newTestService(t *testing.T, conf *configpkg.Config, pub *capturingPublisher) *Service {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	if pub == nil {
		pub = newCapturingPublisher()
	}

	return NewService(conf, testLogger(), context.Background(), ServiceDependencies{
		TransportFactory: stubTransportFactory{
			publisher:  pub,
			subscriber: stubSubscriber{},
		},
	})
}
