package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/drblury/chirpflow/internal/runtime/auth"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
)

// SSE event names outside the bus catalogue.
const (
	EventAuthError    = "auth_error"
	EventServiceError = "service_error"
	EventSSEConnected = "sse_connected"
	EventPing         = "ping"
	defaultEventName  = "message"
)

// isAuthFailure separates rejected credentials from backend outages during a
// handshake. Only the former tells the client to drop its token.
func isAuthFailure(err error) bool {
	var authErr *errspkg.AuthFailure
	return errors.As(err, &authErr)
}

// handleSubscribe streams the caller's envelopes as named SSE events. The
// stream carries no presence: server-push clients are not registered.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	id, err := s.deps.Protocol.Authenticate(ctx, r.URL.Query().Get(auth.QueryParam))
	if err != nil {
		if isAuthFailure(err) {
			s.deps.Metrics.RecordAuthFailure(metrics.TransportSSE)
			s.logger.Info("Rejected SSE subscription", logging.LogFields{"reason": err.Error()})
			_ = writeJSONEvent(w, EventAuthError, detailResponse{Detail: "Authentication failed"})
		} else {
			s.logger.Error("SSE handshake failed", err, nil)
			_ = writeJSONEvent(w, EventServiceError, detailResponse{Detail: "Service unavailable"})
		}
		flusher.Flush()
		return
	}

	log := s.logger.With(logging.LogFields{"user_id": id.UserID, "transport": metrics.TransportSSE})
	tap := s.deps.Taps.Tap(id.UserID)
	defer tap.Close()
	s.deps.Metrics.ConnectionOpened(metrics.TransportSSE)
	defer s.deps.Metrics.ConnectionClosed(metrics.TransportSSE)

	if err := writeJSONEvent(w, EventSSEConnected, map[string]string{"status": "ok"}); err != nil {
		return
	}
	flusher.Flush()
	log.Info("SSE stream opened", nil)

	keepAlive := time.NewTicker(s.cfg.SSEKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("SSE stream closed", nil)
			return
		case env, ok := <-tap.Events():
			if !ok {
				return
			}
			name := env.Payload.EventType()
			if name == "" {
				name = defaultEventName
			}
			if err := writeJSONEvent(w, name, env.Payload); err != nil {
				log.Debug("SSE write failed", logging.LogFields{"error": err.Error()})
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if err := writeEvent(w, EventPing, []byte("keep-alive")); err != nil {
				log.Debug("SSE keep-alive failed", logging.LogFields{"error": err.Error()})
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSONEvent(w io.Writer, name string, v any) error {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	return writeEvent(w, name, data)
}

func writeEvent(w io.Writer, name string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// syncResponse carries LatestSequence as read after the range. It can be
// ahead of the last event returned while a broadcast is still appending, so
// clients resume from the highest sequence in Events.
type syncResponse struct {
	Events         []eventbus.Payload `json:"events"`
	LatestSequence uint64             `json:"latest_sequence"`
}

type resyncResponse struct {
	Detail         string `json:"detail"`
	OldestSequence uint64 `json:"oldest_sequence"`
	LatestSequence uint64 `json:"latest_sequence"`
}

// handleSync returns the caller's retained events after ?since=N. A cursor
// the log can no longer serve gets 409 so the client reloads from scratch.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := s.deps.Protocol.Authenticate(ctx, auth.TokenFromRequest(r))
	if err != nil {
		if !isAuthFailure(err) {
			s.logger.Error("Sync handshake failed", err, nil)
			s.writeJSON(w, http.StatusServiceUnavailable, detailResponse{Detail: "Service unavailable"})
			return
		}
		s.deps.Metrics.RecordAuthFailure(metrics.TransportHTTP)
		s.writeJSON(w, http.StatusUnauthorized, detailResponse{Detail: "Authentication failed"})
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, detailResponse{Detail: "since must be a non-negative integer"})
			return
		}
	}

	events, err := s.deps.Syncer.Sync(ctx, id.UserID, since)
	if err != nil {
		var resync *errspkg.ResyncRequiredError
		if errors.As(err, &resync) {
			s.writeJSON(w, http.StatusConflict, resyncResponse{
				Detail:         "resync_required",
				OldestSequence: resync.Oldest,
				LatestSequence: resync.Latest,
			})
			return
		}
		s.logger.Error("Sync failed", err, logging.LogFields{"user_id": id.UserID, "since": since})
		s.writeJSON(w, http.StatusServiceUnavailable, detailResponse{Detail: "event log unavailable"})
		return
	}

	latest, err := s.deps.Syncer.Latest(ctx)
	if err != nil {
		s.logger.Error("Failed to read latest sequence", err, nil)
	}
	if events == nil {
		events = []eventbus.Payload{}
	}
	s.writeJSON(w, http.StatusOK, syncResponse{Events: events, LatestSequence: latest})
}
