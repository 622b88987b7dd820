// Package redis backs store.Store with a Redis server, using the same key
// layout the broadcast clients already read: a string counter, a sorted set
// for the event log, plain expiring keys and one presence hash.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/chirpflow/internal/runtime/store"
)

// Store implements store.Store on a go-redis client.
type Store struct {
	client goredis.UniversalClient
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. The store owns it from here on.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open parses a redis:// URL and connects.
func Open(rawURL string) (*Store, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis store: parse url: %w", err)
	}
	return New(goredis.NewClient(opts)), nil
}

// Client exposes the underlying client for the redis broadcast transport.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis store: incr %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis store: get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) AppendTrim(ctx context.Context, key string, score int64, member []byte, floor int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, key, goredis.Z{Score: float64(score), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(floor, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: append %s: %w", key, err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis store: expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) RangeAfter(ctx context.Context, key string, after int64) ([]store.Entry, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: range %s: %w", key, err)
	}
	return toEntries(zs), nil
}

func (s *Store) Oldest(ctx context.Context, key string) (store.Entry, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("redis store: oldest %s: %w", key, err)
	}
	if len(zs) == 0 {
		return store.Entry{}, false, nil
	}
	return toEntries(zs)[0], true, nil
}

func (s *Store) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis store: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis store: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis store: hset %s: %w", key, err)
	}
	return nil
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("redis store: hdel %s: %w", key, err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis store: hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func toEntries(zs []goredis.Z) []store.Entry {
	out := make([]store.Entry, 0, len(zs))
	for _, z := range zs {
		var member []byte
		switch m := z.Member.(type) {
		case string:
			member = []byte(m)
		case []byte:
			member = m
		default:
			member = []byte(fmt.Sprint(m))
		}
		out = append(out, store.Entry{Score: int64(z.Score), Member: member})
	}
	return out
}
