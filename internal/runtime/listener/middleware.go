package listener

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/chirpflow/internal/runtime/ids"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metadata"
)

// DefaultMiddlewares returns the chain every inbound broadcast passes
// through, outermost first.
func DefaultMiddlewares(logger logging.ServiceLogger) []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		CorrelationIDMiddleware,
		LogMessagesMiddleware(logger),
		TracerMiddleware,
		middleware.Recoverer,
	}
}

func chain(h message.HandlerFunc, mws ...message.HandlerMiddleware) message.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// CorrelationIDMiddleware injects a correlation ID into the metadata when
// missing.
func CorrelationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata == nil {
			msg.Metadata = make(message.Metadata)
		}
		if msg.Metadata.Get(metadata.CorrelationID) == "" {
			msg.Metadata.Set(metadata.CorrelationID, ids.CreateULID())
		}
		return h(msg)
	}
}

// LogMessagesMiddleware logs every received broadcast at debug level.
func LogMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Received broadcast", logging.LogFields{
				"message_uuid": msg.UUID,
				"metadata":     msg.Metadata,
				"payload_size": len(msg.Payload),
			})
			return h(msg)
		}
	}
}

// TracerMiddleware wraps delivery in an OpenTelemetry span.
func TracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer(tracerName).Start(msg.Context(), "listener.Deliver")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.metadata", fmt.Sprintf("%v", msg.Metadata)),
		)
		out, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

const tracerName = "github.com/drblury/chirpflow/listener"
