package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open("http://nope")
	require.Error(t, err)
}

func TestCounter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, err := s.Counter(ctx, "global_event_sequence")
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = s.Incr(ctx, "global_event_sequence")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = s.Incr(ctx, "global_event_sequence")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = s.Counter(ctx, "global_event_sequence")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestAppendTrimAndRange(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		member := []byte(`{"sequence":` + string(rune('0'+seq)) + `}`)
		require.NoError(t, s.AppendTrim(ctx, "event_log", seq, member, seq-2))
	}

	members, err := mr.ZMembers("event_log")
	require.NoError(t, err)
	assert.Len(t, members, 3)

	entries, err := s.RangeAfter(ctx, "event_log", 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].Score)
	assert.Equal(t, `{"sequence":4}`, string(entries[0].Member))
	assert.Equal(t, int64(5), entries[1].Score)

	oldest, ok, err := s.Oldest(ctx, "event_log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), oldest.Score)

	_, ok, err = s.Oldest(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireAndMarkers(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTrim(ctx, "event_log", 1, []byte("a"), 0))
	require.NoError(t, s.Expire(ctx, "event_log", 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL("event_log"))

	require.NoError(t, s.SetEX(ctx, "processed_messages:t1", []byte(`{"status":"sent"}`), 5*time.Minute))
	v, ok, err := s.Get(ctx, "processed_messages:t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"sent"}`, string(v))

	mr.FastForward(5 * time.Minute)
	_, ok, err = s.Get(ctx, "processed_messages:t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHash(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "user_connections", "u1", "node-a"))
	assert.Equal(t, "node-a", mr.HGet("user_connections", "u1"))

	v, ok, err := s.HGet(ctx, "user_connections", "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", v)

	require.NoError(t, s.HDel(ctx, "user_connections", "u1"))
	_, ok, err = s.HGet(ctx, "user_connections", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorsAreWrapped(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	mr.SetError("LOADING")
	_, err := s.Incr(ctx, "seq")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis store: incr seq")
}
