package protocol

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/registry"
)

// State is a connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the transport under a connection. Send must be safe for
// concurrent use; Read is only called from the connection's own loop.
type Conn interface {
	registry.Handle
	// Read blocks for the next inbound frame. Any error ends the connection.
	Read(ctx context.Context) ([]byte, error)
	// Close sends a close code when the transport supports one.
	Close(code int, reason string) error
}

// Session is the handler-facing view of an active connection.
type Session struct {
	conn     Conn
	identity Identity
	state    atomic.Int32
	limiter  *rate.Limiter
	logger   logging.ServiceLogger

	decodeErrors int
	cleanupOnce  sync.Once
}

// UserID returns the authenticated user.
func (s *Session) UserID() string { return s.identity.UserID }

// Identity returns the user and their profile as loaded at handshake.
func (s *Session) Identity() Identity { return s.identity }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Reply encodes v and sends it to this connection only.
func (s *Session) Reply(ctx context.Context, v any) error {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return s.conn.Send(ctx, data)
}

// ReplyRaw sends pre-encoded bytes.
func (s *Session) ReplyRaw(ctx context.Context, data []byte) error {
	return s.conn.Send(ctx, data)
}

// Serve drives an authenticated connection until the client goes away or
// ctx ends. Registration and the presence claim happen together; if the claim
// fails the local registration is rolled back and the connection is closed
// with an internal-error code. Cleanup runs exactly once on every exit path
// after activation, panics included.
func (p *Protocol) Serve(ctx context.Context, conn Conn, id Identity) (err error) {
	s := &Session{
		conn:     conn,
		identity: id,
		limiter:  rate.NewLimiter(p.cfg.limit(), p.cfg.InboundBurst),
		logger: p.logger.With(logging.LogFields{
			"user_id":   id.UserID,
			"handle_id": conn.ID(),
		}),
	}
	s.setState(StateAuthenticated)

	if err := p.activate(ctx, s); err != nil {
		s.setState(StateClosed)
		_ = conn.Close(CloseInternalError, "connect failed")
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection loop panic: %v", r)
			s.logger.Error("Connection loop panicked", err, logging.LogFields{"stack": string(debug.Stack())})
		}
		p.cleanup(ctx, s)
	}()

	for {
		data, readErr := conn.Read(ctx)
		if readErr != nil {
			s.logger.Debug("Connection read ended", logging.LogFields{"error": readErr.Error()})
			return nil
		}
		if closeNow := p.handleFrame(ctx, s, data); closeNow {
			_ = conn.Close(ClosePolicyViolation, "too many invalid frames")
			return nil
		}
	}
}

func (p *Protocol) activate(ctx context.Context, s *Session) error {
	if prev := p.deps.Registry.Register(s.UserID(), s.conn); prev != nil {
		s.logger.Info("Superseded an older local connection", logging.LogFields{"replaced_handle": prev.ID()})
	}
	if err := p.deps.Presence.OnConnect(ctx, s.UserID()); err != nil {
		p.deps.Registry.Release(s.UserID(), s.conn)
		s.logger.Error("Failed to activate connection", err, nil)
		return err
	}
	s.setState(StateActive)
	s.logger.Info("Connection active", nil)
	return nil
}

// cleanup releases the local registration and, when this handle still owned
// it, the presence record. It runs on a context detached from ctx so server
// shutdown does not skip it.
func (p *Protocol) cleanup(ctx context.Context, s *Session) {
	s.cleanupOnce.Do(func() {
		s.setState(StateClosing)

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
		defer cancel()

		if p.deps.Registry.Release(s.UserID(), s.conn) {
			if err := p.deps.Presence.OnDisconnect(cctx, s.UserID()); err != nil {
				s.logger.Error("Presence cleanup incomplete", err, nil)
			}
		} else {
			s.logger.Debug("Connection was superseded, leaving presence untouched", nil)
		}

		_ = s.conn.Close(CloseNormal, "")
		s.setState(StateClosed)
		s.logger.Info("Connection closed", nil)
	})
}

// handleFrame processes one inbound frame. It reports whether the connection
// must be closed because the decode error cap was reached.
func (p *Protocol) handleFrame(ctx context.Context, s *Session, data []byte) bool {
	if err := p.deps.Presence.TouchLastSeen(ctx, s.UserID()); err != nil {
		s.logger.Debug("Last seen update failed", logging.LogFields{"error": err.Error()})
	}

	if !s.limiter.Allow() {
		p.deps.Metrics.RecordInbound("", metrics.OutcomeRejected)
		p.replyError(ctx, s, "Rate limit exceeded")
		return false
	}

	var fields map[string]any
	if err := jsoncodec.Unmarshal(data, &fields); err != nil || fields == nil {
		s.decodeErrors++
		p.deps.Metrics.RecordInbound("", metrics.OutcomeRejected)
		p.replyError(ctx, s, "Invalid JSON payload")
		return s.decodeErrors >= p.cfg.MaxDecodeErrors
	}
	s.decodeErrors = 0

	eventType, _ := fields["event_type"].(string)
	handler, ok := p.table[eventType]
	if !ok {
		p.deps.Metrics.RecordInbound("unknown", metrics.OutcomeRejected)
		p.replyError(ctx, s, "Unknown event: "+eventType)
		return false
	}

	p.dispatch(ctx, s, handler, Request{EventType: eventType, Raw: data})
	return false
}

// dispatch runs one handler in isolation: errors and panics become an error
// reply and never leave the Active state.
func (p *Protocol) dispatch(ctx context.Context, s *Session, handler HandlerFunc, req Request) {
	ctx, span := p.tracer.Start(ctx, "protocol.Dispatch")
	span.SetAttributes(
		attribute.String("chirpflow.event_type", req.EventType),
		attribute.String("chirpflow.user_id", s.UserID()),
	)
	defer span.End()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				s.logger.Error("Handler panicked", err, logging.LogFields{
					"event_type": req.EventType,
					"stack":      string(debug.Stack()),
				})
			}
		}()
		return handler(ctx, s, req)
	}()

	if err == nil {
		p.deps.Metrics.RecordInbound(req.EventType, metrics.OutcomeOK)
		return
	}

	var protoErr *errspkg.ProtocolError
	switch {
	case errors.Is(err, errspkg.ErrNotParticipant):
		p.deps.Metrics.RecordInbound(req.EventType, metrics.OutcomeDropped)
		s.logger.Debug("Dropped unauthorized event", logging.LogFields{"event_type": req.EventType, "error": err.Error()})
	case errors.As(err, &protoErr):
		p.deps.Metrics.RecordInbound(req.EventType, metrics.OutcomeRejected)
		p.replyError(ctx, s, "Invalid payload: "+protoErr.Detail)
	default:
		p.deps.Metrics.RecordInbound(req.EventType, metrics.OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Error processing event", err, logging.LogFields{"event_type": req.EventType})
		p.replyError(ctx, s, "Server error processing your request.")
	}
}

func (p *Protocol) replyError(ctx context.Context, s *Session, detail string) {
	if err := s.Reply(ctx, errorFrame{EventType: "error", Detail: detail}); err != nil {
		s.logger.Debug("Failed to send error reply", logging.LogFields{"error": err.Error()})
	}
}
