package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chirpflow/transport"
	"github.com/drblury/chirpflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = orig })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.SupportsFanout)
	assert.False(t, caps.Durable)
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestConnectionOptions(t *testing.T) {
	opts := connectionOptions(&transporttest.Config{InstanceID: "node-a"})
	require.Len(t, opts, 3)

	var applied natsgo.Options
	for _, opt := range opts {
		require.NoError(t, opt(&applied))
	}
	assert.Equal(t, "chirpflow-node-a", applied.Name)
	assert.Equal(t, -1, applied.MaxReconnect)
	assert.Equal(t, ReconnectWait, applied.ReconnectWait)
}

func TestBuild(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})

	t.Run("uses core nats without queue groups", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		var gotPub nats.PublisherConfig
		var gotSub nats.SubscriberConfig
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			gotPub = cfg
			return pub, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			gotSub = cfg
			return sub, nil
		}

		cfg := &transporttest.Config{NATSURL: "nats://localhost:4222", InstanceID: "node-a"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.Equal(t, "nats://localhost:4222", gotPub.URL)
		assert.True(t, gotPub.JetStream.Disabled)
		assert.True(t, gotSub.JetStream.Disabled)
		assert.Empty(t, gotSub.QueueGroupPrefix)
		assert.Len(t, gotSub.NatsOptions, 3)
	})

	t.Run("closes the publisher when the subscriber fails", func(t *testing.T) {
		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.True(t, pub.Closed)
	})

	t.Run("returns publisher errors", func(t *testing.T) {
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}
