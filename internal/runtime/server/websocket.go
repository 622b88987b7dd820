package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/chirpflow/internal/runtime/auth"
	"github.com/drblury/chirpflow/internal/runtime/ids"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/protocol"
)

// CloseGoingAway is sent to clients when the server shuts down.
const CloseGoingAway = 1001

var errConnClosed = errors.New("websocket connection closed")

// handleConnect upgrades first and authenticates second so a rejected client
// still receives a policy-violation close frame instead of a bare HTTP error.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, authErr := s.deps.Protocol.Authenticate(r.Context(), auth.TokenFromRequest(r))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	if authErr != nil {
		code, reason := protocol.CloseInternalError, "Service unavailable"
		if isAuthFailure(authErr) {
			s.deps.Metrics.RecordAuthFailure(metrics.TransportWS)
			s.logger.Info("Rejected WebSocket connection", logging.LogFields{"reason": authErr.Error()})
			code, reason = protocol.ClosePolicyViolation, "Invalid or missing token"
		} else {
			s.logger.Error("WebSocket handshake failed", authErr, nil)
		}
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = ws.Close()
		return
	}

	conn := newWSConn(ws, s.cfg, s.logger.With(logging.LogFields{"user_id": id.UserID, "transport": metrics.TransportWS}))
	s.deps.Metrics.ConnectionOpened(metrics.TransportWS)
	defer s.deps.Metrics.ConnectionClosed(metrics.TransportWS)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close(CloseGoingAway, "server shutting down") })
	defer stop()

	go conn.writeLoop()
	if err := s.deps.Protocol.Serve(ctx, conn, id); err != nil {
		s.logger.Error("Connection ended with error", err, logging.LogFields{"user_id": id.UserID})
	}
}

// wsConn adapts a gorilla connection to protocol.Conn. Every frame,
// including the close frame, is written by writeLoop so Send never blocks on
// the socket and frames queued before Close are still flushed.
type wsConn struct {
	ws     *websocket.Conn
	id     string
	out    chan []byte
	cfg    Config
	logger logging.ServiceLogger

	closeOnce   sync.Once
	closing     chan struct{}
	finished    chan struct{}
	closeCode   int
	closeReason string
}

func newWSConn(ws *websocket.Conn, cfg Config, logger logging.ServiceLogger) *wsConn {
	c := &wsConn{
		ws:       ws,
		id:       ids.NewHandleID(),
		out:      make(chan []byte, cfg.SendBuffer),
		cfg:      cfg,
		logger:   logger,
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		pongWait := cfg.PingInterval * 2
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	case <-c.finished:
		return errConnClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closing:
		return errConnClosed
	case <-c.finished:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Read(context.Context) ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close asks writeLoop to flush, send the close frame and tear the socket
// down, then waits for it. The first close code wins.
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.closing)
	})
	t := time.NewTimer(c.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case <-c.finished:
		return nil
	case <-t.C:
		return c.ws.Close()
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.finished)
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-c.closing:
			c.drain()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("Failed to send close frame", logging.LogFields{"error": err.Error()})
			}
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.logger.Debug("WebSocket write failed", logging.LogFields{"error": err.Error()})
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("WebSocket ping failed", logging.LogFields{"error": err.Error()})
				return
			}
		}
	}
}

func (c *wsConn) drain() {
	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
