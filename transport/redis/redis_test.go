package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
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
	assert.Equal(t, "redis", caps.Name)
	assert.True(t, caps.SupportsFanout)
	assert.Equal(t, transport.RedisCapabilities, Capabilities())
}

func TestBuildRejectsBadURL(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{RedisURL: "nope://"}, watermill.NopLogger{})
	require.Error(t, err)
}

func TestBuildUsesSeparateClients(t *testing.T) {
	mr := miniredis.RunT(t)
	orig := ClientFactory
	t.Cleanup(func() { ClientFactory = orig })

	calls := 0
	ClientFactory = func(rawURL string) (goredis.UniversalClient, error) {
		calls++
		return orig(rawURL)
	}

	tr, err := Build(context.Background(), &transporttest.Config{RedisURL: "redis://" + mr.Addr()}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	assert.Equal(t, 2, calls)
}

func TestBuildClosesPublisherClientWhenSubscriberFails(t *testing.T) {
	orig := ClientFactory
	t.Cleanup(func() { ClientFactory = orig })

	calls := 0
	ClientFactory = func(rawURL string) (goredis.UniversalClient, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("dial refused")
		}
		return goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"}), nil
	}

	_, err := Build(context.Background(), &transporttest.Config{RedisURL: "redis://x"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
}

func newPair(t *testing.T) (*Publisher, *Subscriber, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pub := NewPublisher(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	sub := NewSubscriber(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() {
		_ = pub.Close()
		_ = sub.Close()
	})
	return pub, sub, mr
}

func TestPublishDeliversRawPayloadToEverySubscription(t *testing.T) {
	pub, sub, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := sub.Subscribe(ctx, "chirpchat:broadcast")
	require.NoError(t, err)
	second, err := sub.Subscribe(ctx, "chirpchat:broadcast")
	require.NoError(t, err)

	payload := `{"sequence":1,"target_user_ids":["u1"],"payload":{"event_type":"new_message"}}`
	require.NoError(t, pub.Publish("chirpchat:broadcast", message.NewMessage("m1", []byte(payload))))

	for i, ch := range []<-chan *message.Message{first, second} {
		select {
		case msg := <-ch:
			assert.JSONEq(t, payload, string(msg.Payload))
			assert.NotEmpty(t, msg.UUID)
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription %d did not receive the message", i)
		}
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	_, sub, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := sub.Subscribe(ctx, "chirpchat:broadcast")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed after cancel")
	}
}

func TestClosedHalvesRefuseWork(t *testing.T) {
	pub, sub, _ := newPair(t)
	require.NoError(t, pub.Close())
	require.NoError(t, sub.Close())

	assert.ErrorIs(t, pub.Publish("t", message.NewMessage("m", nil)), ErrClosed)
	_, err := sub.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
}
