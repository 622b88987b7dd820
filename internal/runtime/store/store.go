// Package store defines the shared store contract behind the sequencer,
// deduplicator and presence coordinator. The only cross-instance mutable state
// lives here: a counter, a score-ordered event log, expiring markers and the
// presence hash.
package store

import (
	"context"
	"time"
)

// Entry is one member of a score-ordered log.
type Entry struct {
	Score  int64
	Member []byte
}

// Counter is a cluster-wide monotonic counter.
type Counter interface {
	// Incr atomically increments key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Counter reads the current value, zero when key does not exist.
	Counter(ctx context.Context, key string) (int64, error)
}

// Log is a score-ordered collection with whole-key expiry.
type Log interface {
	// AppendTrim inserts member at score and removes every entry with a
	// score strictly below floor, as one atomic unit.
	AppendTrim(ctx context.Context, key string, score int64, member []byte, floor int64) error
	// Expire sets the time-to-live of the whole log.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// RangeAfter returns entries with score > after in ascending order.
	RangeAfter(ctx context.Context, key string, after int64) ([]Entry, error)
	// Oldest returns the lowest-scored entry.
	Oldest(ctx context.Context, key string) (Entry, bool, error)
}

// Markers are independent expiring keys.
type Markers interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Hash is a shared field/value map.
type Hash interface {
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
}

// Store is implemented by every backend.
type Store interface {
	Counter
	Log
	Markers
	Hash
	Ping(ctx context.Context) error
	Close() error
}
