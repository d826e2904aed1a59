// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/fleetops/fleetbus/transport/aws"
	_ "github.com/fleetops/fleetbus/transport/channel"
	_ "github.com/fleetops/fleetbus/transport/jetstream"
	_ "github.com/fleetops/fleetbus/transport/kafka"
	_ "github.com/fleetops/fleetbus/transport/nats"
	_ "github.com/fleetops/fleetbus/transport/rabbitmq"
)
