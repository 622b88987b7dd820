// Package listener consumes the broadcast channel and hands every envelope to
// the local connections it targets. One Listener runs per instance.
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/registry"
)

// Source yields raw broadcast messages. The channel closes when ctx ends or
// the subscription is lost.
type Source interface {
	SubscribeMessages(ctx context.Context) (<-chan *message.Message, error)
}

// Config tunes reconnect and fan-out behaviour.
type Config struct {
	// Backoff is the fixed pause before resubscribing.
	Backoff time.Duration
	// SendTimeout bounds a single delivery to one connection.
	SendTimeout time.Duration
	// MaxParallelSends caps concurrent deliveries per envelope.
	MaxParallelSends int
	// TapBuffer is the per-tap queue length.
	TapBuffer int
}

const (
	DefaultBackoff     = 5 * time.Second
	DefaultSendTimeout = 5 * time.Second
	defaultParallel    = 64
	defaultTapBuffer   = 64
)

func (c Config) withDefaults() Config {
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxParallelSends <= 0 {
		c.MaxParallelSends = defaultParallel
	}
	if c.TapBuffer <= 0 {
		c.TapBuffer = defaultTapBuffer
	}
	return c
}

var errSubscriptionClosed = errors.New("listener: subscription closed")

// Listener delivers channel messages to registered handles and open taps.
type Listener struct {
	source   Source
	registry *registry.Registry
	cfg      Config
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	taps     *Hub
	handler  message.HandlerFunc
}

// New builds a Listener. m may be nil.
func New(source Source, reg *registry.Registry, cfg Config, logger logging.ServiceLogger, m *metrics.Metrics) (*Listener, error) {
	if source == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if reg == nil {
		return nil, errspkg.ErrCollaboratorRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg = cfg.withDefaults()
	l := &Listener{
		source:   source,
		registry: reg,
		cfg:      cfg,
		logger:   logger.With(logging.LogFields{"component": "listener"}),
		metrics:  m,
		taps:     newHub(cfg.TapBuffer, m),
	}
	l.handler = chain(l.deliver, DefaultMiddlewares(l.logger)...)
	return l, nil
}

// Tap opens a receive-only feed of the envelopes targeting userID. The
// caller must Close it.
func (l *Listener) Tap(userID string) *Tap {
	return l.taps.Open(userID)
}

// OpenTaps returns the number of open taps.
func (l *Listener) OpenTaps() int { return l.taps.Len() }

// Run consumes the channel until ctx ends. A failed or closed subscription
// is retried after the configured backoff; messages published while
// disconnected are not replayed here, clients catch up through sync.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("Broadcast listener started", nil)
	for {
		err := l.consume(ctx)
		if ctx.Err() != nil {
			l.logger.Info("Broadcast listener stopped", nil)
			return nil
		}
		l.logger.Error("Broadcast subscription lost, resubscribing", err, logging.LogFields{"backoff": l.cfg.Backoff.String()})
		l.metrics.RecordResubscribe()

		t := time.NewTimer(l.cfg.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			l.logger.Info("Broadcast listener stopped", nil)
			return nil
		case <-t.C:
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	msgs, err := l.source.SubscribeMessages(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		l.process(msg)
	}
	return errSubscriptionClosed
}

// process runs one message through the middleware chain. Messages are always
// acked: live delivery is best effort and a redelivery would duplicate frames
// already sent.
func (l *Listener) process(msg *message.Message) {
	defer msg.Ack()
	if _, err := l.handler(msg); err != nil {
		l.logger.Error("Dropping broadcast", err, logging.LogFields{"message_uuid": msg.UUID})
	}
}

func (l *Listener) deliver(msg *message.Message) ([]*message.Message, error) {
	env, err := eventbus.DecodeEnvelope(msg.Payload)
	if err != nil {
		return nil, err
	}
	data, err := jsoncodec.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}

	ctx := msg.Context()
	var g errgroup.Group
	g.SetLimit(l.cfg.MaxParallelSends)
	for _, match := range l.registry.Match(env.TargetUserIDs) {
		g.Go(func() error {
			l.send(ctx, match, data, env.Sequence)
			return nil
		})
	}
	_ = g.Wait()

	l.taps.Publish(env)
	return nil, nil
}

func (l *Listener) send(ctx context.Context, match registry.Match, data []byte, seq uint64) {
	sctx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()

	err := match.Handle.Send(sctx, data)
	switch {
	case err == nil:
		l.metrics.RecordDelivery(metrics.TransportWS, metrics.OutcomeOK)
	case errors.Is(err, context.DeadlineExceeded):
		l.metrics.RecordDelivery(metrics.TransportWS, metrics.OutcomeTimeout)
		l.logger.Error("Delivery timed out", err, logging.LogFields{"user_id": match.UserID, "sequence": seq})
	default:
		l.metrics.RecordDelivery(metrics.TransportWS, metrics.OutcomeFailed)
		l.logger.Error("Delivery failed", err, logging.LogFields{"user_id": match.UserID, "sequence": seq})
	}
}
