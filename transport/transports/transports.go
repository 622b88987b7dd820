// Package transports imports every built-in broadcast transport so they
// register with the default registry.
package transports

import (
	// Imported for registration side effects.
	_ "github.com/drblury/chirpflow/transport/aws"
	_ "github.com/drblury/chirpflow/transport/channel"
	_ "github.com/drblury/chirpflow/transport/kafka"
	_ "github.com/drblury/chirpflow/transport/nats"
	_ "github.com/drblury/chirpflow/transport/rabbitmq"
	_ "github.com/drblury/chirpflow/transport/redis"
)
