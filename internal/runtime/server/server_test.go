package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chirpflow/internal/runtime/auth"
	"github.com/drblury/chirpflow/internal/runtime/collab"
	collabmem "github.com/drblury/chirpflow/internal/runtime/collab/memory"
	"github.com/drblury/chirpflow/internal/runtime/dedup"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/listener"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/presence"
	"github.com/drblury/chirpflow/internal/runtime/protocol"
	"github.com/drblury/chirpflow/internal/runtime/registry"
	"github.com/drblury/chirpflow/internal/runtime/sequencer"
	"github.com/drblury/chirpflow/internal/runtime/store/memory"
)

const testSecret = "server-test-secret"

type testEnv struct {
	http   *httptest.Server
	bus    *eventbus.Bus
	store  *memory.Store
	issuer *auth.Issuer
}

// unreachableProfiles fails every profile lookup the way a directory outage
// does.
type unreachableProfiles struct {
	collab.Profiles
	err error
}

func (u unreachableProfiles) GetProfile(context.Context, string) (collab.Profile, error) {
	return collab.Profile{}, u.err
}

func newTestEnv(t *testing.T, retain int64) *testEnv {
	t.Helper()
	return newTestEnvWithProfiles(t, retain, nil)
}

// newTestEnvWithProfiles lets the connection handshake read profiles from a
// different source than the directory. Nil keeps the directory.
func newTestEnvWithProfiles(t *testing.T, retain int64, profiles collab.Profiles) *testEnv {
	t.Helper()
	log := logging.NewDiscardLogger()

	dir := collabmem.New()
	dir.AddUser(collab.Profile{ID: "alice", DisplayName: "Alice"})
	dir.AddUser(collab.Profile{ID: "bob", DisplayName: "Bob"})
	dir.AddChat("chat-ab", "alice", "bob")

	st := memory.New()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	seq, err := sequencer.New(st, sequencer.Config{RetainCount: retain}, log)
	require.NoError(t, err)
	bus, err := eventbus.New(seq, ps, ps, eventbus.Config{InstanceID: "node-a"}, log, nil)
	require.NoError(t, err)
	notifier, err := eventbus.NewNotifier(bus, dir)
	require.NoError(t, err)
	coord, err := presence.New(st, bus, dir, dir, presence.Config{InstanceID: "node-a"}, log)
	require.NoError(t, err)
	dd, err := dedup.New(st, dedup.Config{}, log)
	require.NoError(t, err)
	validator, err := auth.NewValidator(testSecret, "")
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(testSecret, "")
	require.NoError(t, err)
	reg := registry.New(log)
	if profiles == nil {
		profiles = dir
	}

	proto, err := protocol.New(protocol.Deps{
		Auth:         validator,
		Registry:     reg,
		Presence:     coord,
		Dedup:        dd,
		Broadcasts:   notifier,
		Participants: dir,
		Profiles:     profiles,
		Messages:     dir,
		Push:         dir,
		Logger:       log,
	}, protocol.Config{InboundRate: -1})
	require.NoError(t, err)

	l, err := listener.New(bus, reg, listener.Config{}, log, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// gochannel drops messages published before the listener subscribes.
	time.Sleep(50 * time.Millisecond)

	srv, err := New(Config{InstanceID: "node-a", PingInterval: -1}, Deps{
		Protocol: proto,
		Syncer:   bus,
		Taps:     l,
		Health:   st,
		Logger:   log,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{http: ts, bus: bus, store: st, issuer: issuer}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.issuer.Issue(userID, auth.TokenAccess, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = New(Config{}, Deps{Logger: logging.NewDiscardLogger()})
	assert.ErrorIs(t, err, errspkg.ErrCollaboratorRequired)
}

func TestConnectRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, 0)

	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL(PathConnect+"?token=garbage"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected a close frame, got %v", err)
	assert.Equal(t, protocol.ClosePolicyViolation, closeErr.Code)
}

func TestConnectDuringProfileOutageClosesWithInternalError(t *testing.T) {
	env := newTestEnvWithProfiles(t, 0, unreachableProfiles{err: errors.New("profile db unreachable")})

	header := http.Header{"Authorization": {"Bearer " + env.token(t, "alice")}}
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL(PathConnect), header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected a close frame, got %v", err)
	assert.Equal(t, protocol.CloseInternalError, closeErr.Code)
}

func TestConnectSendsAckAndDeliversBroadcast(t *testing.T) {
	env := newTestEnv(t, 0)

	header := http.Header{"Authorization": {"Bearer " + env.token(t, "alice")}}
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL(PathConnect), header)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"event_type":"send_message","client_temp_id":"tmp-1","chat_id":"chat-ab","text":"hi"}`)))

	ack := readFrame(t, ws)
	assert.Equal(t, "message_ack", ack["event_type"])
	assert.Equal(t, "tmp-1", ack["client_temp_id"])

	msg := readFrame(t, ws)
	assert.Equal(t, eventbus.EventNewMessage, msg["event_type"])
	inner, ok := msg["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ack["server_assigned_id"], inner["id"])
	assert.NotZero(t, msg["sequence"])
}

func TestSubscribeRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, 0)

	resp, err := http.Get(env.http.URL + PathSubscribe)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event: auth_error\n")
	assert.Contains(t, string(body), `"detail":"Authentication failed"`)
}

func TestSubscribeIgnoresAuthorizationHeader(t *testing.T) {
	env := newTestEnv(t, 0)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+PathSubscribe, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: auth_error\n")
}

func TestSubscribeDuringProfileOutageReportsServiceError(t *testing.T) {
	env := newTestEnvWithProfiles(t, 0, unreachableProfiles{err: errors.New("profile db unreachable")})

	resp, err := http.Get(env.http.URL + PathSubscribe + "?token=" + env.token(t, "alice"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: service_error\n")
	assert.NotContains(t, string(body), "auth_error")
}

// nextEvent reads one SSE event and returns its name and data.
func nextEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSubscribeStreamsTargetedEvents(t *testing.T) {
	env := newTestEnv(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+PathSubscribe+"?token="+env.token(t, "alice"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	name, data := nextEvent(t, r)
	assert.Equal(t, EventSSEConnected, name)
	assert.JSONEq(t, `{"status":"ok"}`, data)

	_, err = env.bus.Broadcast(ctx, []string{"bob"}, eventbus.NewPayload(eventbus.EventChatModeChanged))
	require.NoError(t, err)
	p := eventbus.NewPayload(eventbus.EventTypingIndicator)
	p["chat_id"] = "chat-ab"
	seq, err := env.bus.Broadcast(ctx, []string{"alice"}, p)
	require.NoError(t, err)

	name, data = nextEvent(t, r)
	assert.Equal(t, eventbus.EventTypingIndicator, name)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "chat-ab", got["chat_id"])
	assert.Equal(t, float64(seq), got["sequence"])
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestSyncReturnsEventsAfterCursor(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	for _, target := range []string{"alice", "bob", "alice"} {
		_, err := env.bus.Broadcast(ctx, []string{target}, eventbus.NewPayload(eventbus.EventChatModeChanged))
		require.NoError(t, err)
	}

	status, body := getJSON(t, env.http.URL+PathSync+"?since=0&token="+env.token(t, "alice"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["latest_sequence"])
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 2)
	assert.Equal(t, float64(1), events[0].(map[string]any)["sequence"])
	assert.Equal(t, float64(3), events[1].(map[string]any)["sequence"])

	status, body = getJSON(t, env.http.URL+PathSync+"?since=3&token="+env.token(t, "alice"))
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["events"])
}

func TestSyncRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := getJSON(t, env.http.URL+PathSync)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Authentication failed", body["detail"])

	status, _ = getJSON(t, env.http.URL+PathSync+"?since=-4&token="+env.token(t, "alice"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSyncDuringProfileOutageIsUnavailable(t *testing.T) {
	env := newTestEnvWithProfiles(t, 0, unreachableProfiles{err: errors.New("profile db unreachable")})

	status, body := getJSON(t, env.http.URL+PathSync+"?token="+env.token(t, "alice"))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "Service unavailable", body["detail"])
}

func TestSyncSignalsResync(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	for range 5 {
		_, err := env.bus.Broadcast(ctx, []string{"alice"}, eventbus.NewPayload(eventbus.EventChatModeChanged))
		require.NoError(t, err)
	}

	status, body := getJSON(t, env.http.URL+PathSync+"?since=1&token="+env.token(t, "alice"))
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "resync_required", body["detail"])
	assert.Equal(t, float64(5), body["latest_sequence"])
	oldest, ok := body["oldest_sequence"].(float64)
	require.True(t, ok)
	assert.Greater(t, oldest, float64(2))
}

func TestSyncReportsStoreOutage(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.token(t, "alice")
	env.store.Fail(errors.New("store down"))

	status, _ := getJSON(t, env.http.URL+PathSync+"?token="+token)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)

	status, body := getJSON(t, env.http.URL+PathHealth)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-a", body["instance_id"])

	env.store.Fail(errors.New("store down"))
	status, body = getJSON(t, env.http.URL+PathHealth)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", body["status"])
}

func TestRegisterHTTPHandlerOnMainMux(t *testing.T) {
	srv, err := New(Config{}, Deps{
		Protocol: &protocol.Protocol{},
		Syncer:   &eventbus.Bus{},
		Taps:     &listener.Listener{},
		Health:   memory.New(),
		Logger:   logging.NewDiscardLogger(),
	})
	require.NoError(t, err)
	srv.RegisterHTTPHandler(0, "/extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extra", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
