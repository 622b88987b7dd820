package listener

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/ids"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metadata"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/registry"
	"github.com/drblury/chirpflow/internal/runtime/sequencer"
	"github.com/drblury/chirpflow/internal/runtime/store/memory"
)

type recordingHandle struct {
	id    string
	got   chan []byte
	block bool
}

func newHandle(id string) *recordingHandle {
	return &recordingHandle{id: id, got: make(chan []byte, 8)}
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Send(ctx context.Context, data []byte) error {
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	h.got <- data
	return nil
}

// scriptedSource hands out one queued channel (or error) per subscribe call.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	ch  chan *message.Message
	err error
}

func (s *scriptedSource) SubscribeMessages(ctx context.Context) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		ch := make(chan *message.Message)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.ch, nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func envelopeMessage(t *testing.T, seq uint64, targets ...string) *message.Message {
	t.Helper()
	p := eventbus.NewPayload(eventbus.EventChatModeChanged).WithSequence(seq)
	data, err := jsoncodec.Marshal(eventbus.Envelope{Sequence: seq, TargetUserIDs: targets, Payload: p})
	require.NoError(t, err)
	return message.NewMessage(ids.CreateULID(), data)
}

func receive(t *testing.T, h *recordingHandle) map[string]any {
	t.Helper()
	select {
	case data := <-h.got:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %s received nothing", h.id)
		return nil
	}
}

func startListener(t *testing.T, src Source, reg *registry.Registry, cfg Config, m *metrics.Metrics) (*Listener, func()) {
	t.Helper()
	l, err := New(src, reg, cfg, logging.NewDiscardLogger(), m)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.Run(ctx))
	}()
	return l, func() {
		cancel()
		<-done
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	reg := registry.New(nil)
	log := logging.NewDiscardLogger()

	_, err := New(nil, reg, Config{}, log, nil)
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)
	_, err = New(&scriptedSource{}, nil, Config{}, log, nil)
	assert.ErrorIs(t, err, errspkg.ErrCollaboratorRequired)
	_, err = New(&scriptedSource{}, reg, Config{}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestDeliversOnlyToTargets(t *testing.T) {
	reg := registry.New(nil)
	alice, bob, carol := newHandle("a"), newHandle("b"), newHandle("c")
	reg.Register("alice", alice)
	reg.Register("bob", bob)
	reg.Register("carol", carol)

	ch := make(chan *message.Message, 1)
	_, stop := startListener(t, &scriptedSource{steps: []step{{ch: ch}}}, reg, Config{}, nil)
	defer stop()

	msg := envelopeMessage(t, 7, "alice", "bob", "dave")
	ch <- msg

	for _, h := range []*recordingHandle{alice, bob} {
		frame := receive(t, h)
		assert.Equal(t, eventbus.EventChatModeChanged, frame["event_type"])
		assert.Equal(t, float64(7), frame["sequence"])
	}
	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("message was not acked")
	}
	assert.Empty(t, carol.got)
}

func TestUndecodableMessageIsAckedAndSkipped(t *testing.T) {
	reg := registry.New(nil)
	alice := newHandle("a")
	reg.Register("alice", alice)

	ch := make(chan *message.Message, 2)
	_, stop := startListener(t, &scriptedSource{steps: []step{{ch: ch}}}, reg, Config{}, nil)
	defer stop()

	bad := message.NewMessage(ids.CreateULID(), []byte("not an envelope"))
	ch <- bad
	ch <- envelopeMessage(t, 2, "alice")

	select {
	case <-bad.Acked():
	case <-time.After(time.Second):
		t.Fatal("bad message was not acked")
	}
	assert.Equal(t, float64(2), receive(t, alice)["sequence"])
}

func TestResubscribesAfterLossAndFailure(t *testing.T) {
	reg := registry.New(nil)
	alice := newHandle("a")
	reg.Register("alice", alice)

	closed := make(chan *message.Message)
	close(closed)
	live := make(chan *message.Message, 1)
	src := &scriptedSource{steps: []step{
		{ch: closed},
		{err: errors.New("broker unreachable")},
		{ch: live},
	}}
	m := metrics.New(prometheus.NewRegistry())

	_, stop := startListener(t, src, reg, Config{Backoff: 10 * time.Millisecond}, m)
	defer stop()

	require.Eventually(t, func() bool { return src.callCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	live <- envelopeMessage(t, 9, "alice")
	assert.Equal(t, float64(9), receive(t, alice)["sequence"])
	assert.GreaterOrEqual(t, m.GetSnapshot().Resubscribes, uint64(2))
}

func TestSlowHandleDoesNotBlockOthers(t *testing.T) {
	reg := registry.New(nil)
	slow := newHandle("slow")
	slow.block = true
	fast := newHandle("fast")
	reg.Register("alice", slow)
	reg.Register("bob", fast)

	ch := make(chan *message.Message, 2)
	_, stop := startListener(t, &scriptedSource{steps: []step{{ch: ch}}}, reg, Config{SendTimeout: 20 * time.Millisecond}, nil)
	defer stop()

	ch <- envelopeMessage(t, 1, "alice", "bob")
	ch <- envelopeMessage(t, 2, "bob")

	assert.Equal(t, float64(1), receive(t, fast)["sequence"])
	assert.Equal(t, float64(2), receive(t, fast)["sequence"])
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{}
	l, err := New(src, registry.New(nil), Config{}, logging.NewDiscardLogger(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestTapReceivesTargetedEnvelopes(t *testing.T) {
	reg := registry.New(nil)
	ch := make(chan *message.Message, 2)
	l, stop := startListener(t, &scriptedSource{steps: []step{{ch: ch}}}, reg, Config{}, nil)
	defer stop()

	tap := l.Tap("alice")
	defer tap.Close()
	assert.Equal(t, "alice", tap.UserID())

	ch <- envelopeMessage(t, 1, "bob")
	ch <- envelopeMessage(t, 2, "alice")

	select {
	case env := <-tap.Events():
		assert.Equal(t, uint64(2), env.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("tap received nothing")
	}
}

func TestHubDropsWhenTapIsFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	hub := newHub(1, m)
	tap := hub.Open("alice")

	env := eventbus.Envelope{Sequence: 1, TargetUserIDs: []string{"alice"}, Payload: eventbus.NewPayload("x")}
	hub.Publish(env)
	hub.Publish(env)

	assert.Len(t, tap.Events(), 1)
	assert.Equal(t, 1, hub.Len())

	tap.Close()
	tap.Close()
	assert.Zero(t, hub.Len())
	_, open := <-tap.Events()
	assert.False(t, open)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	var seen string
	h := CorrelationIDMiddleware(func(msg *message.Message) ([]*message.Message, error) {
		seen = msg.Metadata.Get(metadata.CorrelationID)
		return nil, nil
	})

	msg := message.NewMessage("1", nil)
	_, err := h(msg)
	require.NoError(t, err)
	assert.NotEmpty(t, seen)

	msg = message.NewMessage("2", nil)
	msg.Metadata.Set(metadata.CorrelationID, "keep-me")
	_, err = h(msg)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", seen)
}

func TestRecovererTurnsPanicIntoError(t *testing.T) {
	h := chain(func(*message.Message) ([]*message.Message, error) {
		panic("boom")
	}, DefaultMiddlewares(logging.NewDiscardLogger())...)

	_, err := h(message.NewMessage("1", nil))
	assert.Error(t, err)
}

func TestEndToEndWithBus(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })

	seq, err := sequencer.New(memory.New(), sequencer.Config{}, logging.NewDiscardLogger())
	require.NoError(t, err)
	bus, err := eventbus.New(seq, ps, ps, eventbus.Config{InstanceID: "node-a"}, logging.NewDiscardLogger(), nil)
	require.NoError(t, err)

	reg := registry.New(nil)
	bob := newHandle("b")
	reg.Register("bob", bob)

	l, stop := startListener(t, bus, reg, Config{}, nil)
	defer stop()
	tap := l.Tap("bob")
	defer tap.Close()

	// gochannel drops messages published before a subscriber exists.
	time.Sleep(50 * time.Millisecond)

	p := eventbus.NewPayload(eventbus.EventTypingIndicator)
	p["chat_id"] = "chat-1"
	got, err := bus.Broadcast(context.Background(), []string{"bob"}, p)
	require.NoError(t, err)

	frame := receive(t, bob)
	assert.Equal(t, float64(got), frame["sequence"])
	assert.Equal(t, "chat-1", frame["chat_id"])

	select {
	case env := <-tap.Events():
		assert.Equal(t, got, env.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("tap received nothing")
	}
}
