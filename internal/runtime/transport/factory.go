// Package transport adapts the modular transport registry for the runtime.
// Transport implementations live in github.com/fleetops/fleetbus/transport/*.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetops/fleetbus/internal/runtime/config"
	bustransport "github.com/fleetops/fleetbus/transport"

	// Import all transport packages to register them.
	_ "github.com/fleetops/fleetbus/transport/aws"
	_ "github.com/fleetops/fleetbus/transport/channel"
	_ "github.com/fleetops/fleetbus/transport/jetstream"
	_ "github.com/fleetops/fleetbus/transport/kafka"
	_ "github.com/fleetops/fleetbus/transport/nats"
	_ "github.com/fleetops/fleetbus/transport/rabbitmq"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how fleetbus initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := bustransport.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
	}, nil
}
