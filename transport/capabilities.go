package transport

// Capabilities describes how a backend behaves as a broadcast channel.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsFanout means every instance subscription receives every message.
	SupportsFanout bool

	// Durable means messages published while an instance is down are
	// delivered once it resubscribes. Non-durable backends rely on sync.
	Durable bool

	// SupportsOrdering means a single subscription observes publish order.
	SupportsOrdering bool

	// SupportsAck means the transport redelivers messages that are not acked.
	SupportsAck bool

	// MaxMessageSize is the maximum envelope size in bytes (0 = unknown).
	MaxMessageSize int64
}

// RequiresSyncForGaps reports whether envelopes published during a
// listener outage are lost and must be recovered through the catch-up log.
func (c Capabilities) RequiresSyncForGaps() bool {
	return !c.Durable
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsFanout:   true,
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	RedisCapabilities = Capabilities{
		Name:             "redis",
		SupportsFanout:   true,
		SupportsOrdering: true,
		MaxMessageSize:   512 * 1024 * 1024,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsFanout: true,
		MaxMessageSize: 1048576,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsFanout:   true,
		Durable:          true,
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsFanout:   true,
		Durable:          true,
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsFanout: true,
		Durable:        true,
		SupportsAck:    true,
		MaxMessageSize: 262144,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
