// Package server exposes the delivery core over HTTP: the bidirectional
// WebSocket endpoint, the server-push SSE stream, the catch-up endpoint and
// health and metrics routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/listener"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/protocol"
)

// Route paths.
const (
	PathConnect   = "/ws/connect"
	PathSubscribe = "/events/subscribe"
	PathSync      = "/events/sync"
	PathHealth    = "/health"
	PathMetrics   = "/metrics"
)

// Syncer answers catch-up requests.
type Syncer interface {
	Sync(ctx context.Context, userID string, since uint64) ([]eventbus.Payload, error)
	Latest(ctx context.Context) (uint64, error)
}

// Tapper opens per-user feeds for server-push clients.
type Tapper interface {
	Tap(userID string) *listener.Tap
}

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the HTTP layer drives.
type Deps struct {
	Protocol *protocol.Protocol
	Syncer   Syncer
	Taps     Tapper
	Health   Pinger
	Logger   logging.ServiceLogger
	Metrics  *metrics.Metrics
}

// Config tunes the HTTP layer. Zero durations pick defaults; a negative
// PingInterval disables WebSocket pings.
type Config struct {
	Addr            string
	InstanceID      string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	SSEKeepAlive    time.Duration
	ShutdownTimeout time.Duration
	SendBuffer      int
}

const (
	defaultPingInterval    = 30 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultSSEKeepAlive    = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultSendBuffer      = 256
)

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SSEKeepAlive <= 0 {
		c.SSEKeepAlive = defaultSSEKeepAlive
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Server serves the delivery endpoints.
type Server struct {
	cfg      Config
	deps     Deps
	logger   logging.ServiceLogger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	extraMu sync.Mutex
	extra   map[int]*http.ServeMux
}

// New validates deps and builds the route table.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Protocol == nil || deps.Syncer == nil || deps.Taps == nil || deps.Health == nil {
		return nil, errspkg.ErrCollaboratorRequired
	}
	s := &Server{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: deps.Logger.With(logging.LogFields{"component": "server"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET "+PathConnect, s.handleConnect)
	s.mux.HandleFunc("GET "+PathSubscribe, s.handleSubscribe)
	s.mux.HandleFunc("GET "+PathSync, s.handleSync)
	s.mux.HandleFunc("GET "+PathHealth, s.handleHealth)
	return s, nil
}

// Handler returns the main route table.
func (s *Server) Handler() http.Handler { return s.mux }

// RegisterHTTPHandler mounts handler on the main listener when port is zero,
// otherwise on a separate listener started by Run.
func (s *Server) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	if port == 0 {
		s.mux.Handle(pattern, handler)
		return
	}
	s.extraMu.Lock()
	defer s.extraMu.Unlock()
	if s.extra == nil {
		s.extra = make(map[int]*http.ServeMux)
	}
	mux, ok := s.extra[port]
	if !ok {
		mux = http.NewServeMux()
		s.extra[port] = mux
	}
	mux.Handle(pattern, handler)
}

// Run serves until ctx ends, then shuts down gracefully. Requests inherit
// ctx, so open connections are told to close when it ends.
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{s.httpServer(ctx, s.cfg.Addr, s.mux)}
	s.extraMu.Lock()
	for port, mux := range s.extra {
		servers = append(servers, s.httpServer(ctx, fmt.Sprintf(":%d", port), mux))
	}
	s.extraMu.Unlock()

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		s.logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed", err, logging.LogFields{"address": srv.Addr})
		}
	}
	s.logger.Info("HTTP servers stopped", nil)
	return runErr
}

func (s *Server) httpServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", err, nil)
		http.Error(w, `{"detail":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Health.Ping(r.Context()); err != nil {
		s.logger.Error("Health check failed", err, nil)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "instance_id": s.cfg.InstanceID})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "instance_id": s.cfg.InstanceID})
}
