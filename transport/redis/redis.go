// Package redis provides a Redis pub/sub broadcast transport. Payloads are
// published as-is so existing subscribers of the channel can read them
// without knowing about Watermill.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/chirpflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("redis transport: closed")

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(rawURL string) (goredis.UniversalClient, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func init() {
	Register()
}

// Register registers the redis transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a publisher and a subscriber on separate connections; a
// connection in subscribe mode cannot publish.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubClient, err := ClientFactory(cfg.GetRedisURL())
	if err != nil {
		return transport.Transport{}, fmt.Errorf("redis transport: %w", err)
	}
	subClient, err := ClientFactory(cfg.GetRedisURL())
	if err != nil {
		_ = pubClient.Close()
		return transport.Transport{}, fmt.Errorf("redis transport: %w", err)
	}

	return transport.Transport{
		Publisher:  NewPublisher(pubClient, logger),
		Subscriber: NewSubscriber(subClient, logger),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Publisher publishes message payloads with PUBLISH.
type Publisher struct {
	client goredis.UniversalClient
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// NewPublisher wraps client. The publisher owns it.
func NewPublisher(client goredis.UniversalClient, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	for _, msg := range messages {
		ctx := msg.Context()
		if err := p.client.Publish(ctx, topic, []byte(msg.Payload)).Err(); err != nil {
			return fmt.Errorf("redis transport: publish %s: %w", msg.UUID, err)
		}
		p.logger.Trace("Published to redis", watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.client.Close()
}

// Subscriber turns a Redis SUBSCRIBE into a Watermill message channel. The
// channel closes when ctx is cancelled, the subscriber is closed or the
// connection fails; callers resubscribe.
type Subscriber struct {
	client goredis.UniversalClient
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSubscriber wraps client. The subscriber owns it.
func NewSubscriber(client goredis.UniversalClient, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{client: client, logger: logger, closing: make(chan struct{})}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ps := s.client.Subscribe(ctx, topic)
	// The first reply confirms the subscription is active.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		s.wg.Done()
		return nil, fmt.Errorf("redis transport: subscribe %s: %w", topic, err)
	}

	out := make(chan *message.Message)
	logFields := watermill.LogFields{"topic": topic}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closing:
		case <-stop:
		}
		_ = ps.Close()
	}()

	go func() {
		defer s.wg.Done()
		defer close(out)
		defer close(stop)

		for {
			m, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !s.isClosed() {
					s.logger.Error("Redis subscription failed", err, logFields)
				}
				return
			}

			msg := message.NewMessage(watermill.NewUUID(), []byte(m.Payload))
			msgCtx, cancel := context.WithCancel(ctx)
			msg.SetContext(msgCtx)

			select {
			case out <- msg:
			case <-ctx.Done():
				cancel()
				return
			case <-s.closing:
				cancel()
				return
			}

			// Redis pub/sub has no redelivery, so a nack is only logged.
			select {
			case <-msg.Acked():
			case <-msg.Nacked():
				s.logger.Info("Message nacked, redis cannot redeliver", logFields.Add(watermill.LogFields{"message_uuid": msg.UUID}))
			case <-ctx.Done():
				cancel()
				return
			case <-s.closing:
				cancel()
				return
			}
			cancel()
		}
	}()

	return out, nil
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()
	return s.client.Close()
}
