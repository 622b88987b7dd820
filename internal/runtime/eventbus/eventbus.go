// Package eventbus stamps payloads with a cluster-wide sequence, logs them for
// catch-up and publishes them on the shared broadcast channel.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/ids"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metadata"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/sequencer"
)

// DefaultTopic is the broadcast channel every instance subscribes to.
const DefaultTopic = "chirpchat:broadcast"

const tracerName = "github.com/drblury/chirpflow/eventbus"

// Broadcaster is the narrow view handed to components that only publish.
type Broadcaster interface {
	Broadcast(ctx context.Context, targets []string, payload Payload) (uint64, error)
}

// Config names the broadcast topic and the identity of this instance.
type Config struct {
	Topic      string
	InstanceID string
}

// Bus publishes envelopes and answers catch-up queries.
type Bus struct {
	seq        *sequencer.Sequencer
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	origin     string
	logger     logging.ServiceLogger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// New wires a Bus. m may be nil.
func New(seq *sequencer.Sequencer, pub message.Publisher, sub message.Subscriber, cfg Config, logger logging.ServiceLogger, m *metrics.Metrics) (*Bus, error) {
	if seq == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if sub == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &Bus{
		seq:        seq,
		publisher:  pub,
		subscriber: sub,
		topic:      topic,
		origin:     cfg.InstanceID,
		logger:     logger.With(logging.LogFields{"component": "eventbus", "topic": topic}),
		metrics:    m,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Topic returns the broadcast channel name.
func (b *Bus) Topic() string { return b.topic }

// Broadcast assigns the next sequence, logs the envelope and publishes it.
//
// When the append succeeds but the publish fails the sequence is returned
// together with the error: the envelope is retained and reachable through
// Sync, but live delivery was not attempted.
func (b *Bus) Broadcast(ctx context.Context, targets []string, payload Payload) (seq uint64, err error) {
	start := time.Now()
	ctx, span := b.tracer.Start(ctx, "eventbus.Broadcast", trace.WithSpanKind(trace.SpanKindProducer))
	defer func() {
		b.metrics.RecordBroadcast(seq, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	targets = uniqueTargets(targets)
	if len(targets) == 0 {
		return 0, errspkg.ErrNoTargets
	}
	if payload == nil {
		return 0, errspkg.ErrPayloadRequired
	}

	seq, err = b.seq.Next(ctx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(
		attribute.Int64("chirpflow.sequence", int64(seq)),
		attribute.String("chirpflow.event_type", payload.EventType()),
		attribute.Int("chirpflow.targets", len(targets)),
	)

	env := Envelope{Sequence: seq, TargetUserIDs: targets, Payload: payload.WithSequence(seq)}
	data, err := jsoncodec.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("encode envelope %d: %w", seq, err)
	}

	if err := b.seq.Append(ctx, seq, data); err != nil {
		return 0, err
	}

	msg := message.NewMessage(ids.CreateULID(), data)
	metadata.ToWatermill(metadata.ForEnvelope(seq, b.origin, payload.EventType()), msg)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return seq, &errspkg.BusUnavailableError{Op: "publish", Err: err}
	}

	b.logger.Debug("Broadcast envelope", logging.LogFields{
		"sequence":   seq,
		"event_type": payload.EventType(),
		"targets":    len(targets),
	})
	return seq, nil
}

// Sync returns the retained payloads after since that target userID, oldest
// first, each annotated with its sequence. A *errors.ResyncRequiredError
// means the caller must reload from scratch and resume from its Latest.
func (b *Bus) Sync(ctx context.Context, userID string, since uint64) ([]Payload, error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.Sync")
	defer span.End()
	span.SetAttributes(attribute.Int64("chirpflow.since", int64(since)))

	records, err := b.seq.Since(ctx, since)
	if err != nil {
		var resync *errspkg.ResyncRequiredError
		if errors.As(err, &resync) {
			b.metrics.RecordSync(metrics.OutcomeResync)
		} else {
			b.metrics.RecordSync(metrics.OutcomeFailed)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	out := make([]Payload, 0, len(records))
	for _, rec := range records {
		env, err := DecodeEnvelope(rec.Data)
		if err != nil {
			b.logger.Error("Skipping undecodable log entry", err, logging.LogFields{"sequence": rec.Sequence})
			continue
		}
		if !env.Targets(userID) {
			continue
		}
		out = append(out, env.Payload.WithSequence(rec.Sequence))
	}
	b.metrics.RecordSync(metrics.OutcomeOK)
	span.SetAttributes(attribute.Int("chirpflow.returned", len(out)))
	return out, nil
}

// Latest returns the last sequence assigned anywhere in the fleet.
func (b *Bus) Latest(ctx context.Context) (uint64, error) {
	return b.seq.Current(ctx)
}

// SubscribeMessages subscribes to the broadcast topic and returns the raw
// channel messages. The channel closes when ctx ends or the transport fails.
func (b *Bus) SubscribeMessages(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, &errspkg.BusUnavailableError{Op: "subscribe", Err: err}
	}
	return ch, nil
}

// Subscribe yields decoded envelopes in real time. Each message is acked once
// decoded; undecodable messages are logged and acked so they are not
// redelivered.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	msgs, err := b.SubscribeMessages(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		for msg := range msgs {
			env, err := DecodeEnvelope(msg.Payload)
			msg.Ack()
			if err != nil {
				b.logger.Error("Dropping undecodable broadcast", err, logging.LogFields{"message_uuid": msg.UUID})
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func uniqueTargets(targets []string) []string {
	if len(targets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
