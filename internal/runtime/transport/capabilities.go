package transport

import (
	bustransport "github.com/fleetops/fleetbus/transport"
)

// MetadataKeyDelayMS mirrors the modular transport delay metadata key.
const MetadataKeyDelayMS = bustransport.MetadataKeyDelayMS

// Capabilities is an alias for the modular transport Capabilities.
type Capabilities = bustransport.Capabilities

// CapabilitiesProvider is an alias for the modular transport CapabilitiesProvider.
type CapabilitiesProvider = bustransport.CapabilitiesProvider

// Predefined capability sets, aliased from the modular transport package.
var (
	ChannelCapabilities       = bustransport.ChannelCapabilities
	KafkaCapabilities         = bustransport.KafkaCapabilities
	RabbitMQCapabilities      = bustransport.RabbitMQCapabilities
	NATSCapabilities          = bustransport.NATSCapabilities
	NATSJetStreamCapabilities = bustransport.NATSJetStreamCapabilities
	AWSCapabilities           = bustransport.AWSCapabilities
)

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return bustransport.GetCapabilities(transportName)
}
