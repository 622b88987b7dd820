// Package memory is an in-process store.Store used by tests and single-node
// development runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/drblury/chirpflow/internal/runtime/store"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory store: closed")

type logData struct {
	entries   []store.Entry
	expiresAt time.Time
}

type marker struct {
	value     []byte
	expiresAt time.Time
}

// Store keeps all data in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]int64
	logs     map[string]*logData
	markers  map[string]marker
	hashes   map[string]map[string]string
	failure  error
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store using the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock lets tests control expiry.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:      now,
		counters: make(map[string]int64),
		logs:     make(map[string]*logData),
		markers:  make(map[string]marker),
		hashes:   make(map[string]map[string]string),
	}
}

// Fail makes every subsequent call return err until Fail(nil) is called.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Store) check() error {
	if s.closed {
		return ErrClosed
	}
	return s.failure
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.counters[key], nil
}

// liveLog drops an expired log. Caller holds mu.
func (s *Store) liveLog(key string) *logData {
	l, ok := s.logs[key]
	if !ok {
		return nil
	}
	if !l.expiresAt.IsZero() && !s.now().Before(l.expiresAt) {
		delete(s.logs, key)
		return nil
	}
	return l
}

func (s *Store) AppendTrim(ctx context.Context, key string, score int64, member []byte, floor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	l := s.liveLog(key)
	if l == nil {
		l = &logData{}
		s.logs[key] = l
	}

	entry := store.Entry{Score: score, Member: append([]byte(nil), member...)}
	idx := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Score > score })
	l.entries = append(l.entries, store.Entry{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = entry

	cut := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Score >= floor })
	if cut > 0 {
		l.entries = append([]store.Entry(nil), l.entries[cut:]...)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if l := s.liveLog(key); l != nil {
		l.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *Store) RangeAfter(ctx context.Context, key string, after int64) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	l := s.liveLog(key)
	if l == nil {
		return nil, nil
	}
	idx := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Score > after })
	out := make([]store.Entry, 0, len(l.entries)-idx)
	for _, e := range l.entries[idx:] {
		out = append(out, store.Entry{Score: e.Score, Member: append([]byte(nil), e.Member...)})
	}
	return out, nil
}

func (s *Store) Oldest(ctx context.Context, key string) (store.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return store.Entry{}, false, err
	}
	l := s.liveLog(key)
	if l == nil || len(l.entries) == 0 {
		return store.Entry{}, false, nil
	}
	first := l.entries[0]
	return store.Entry{Score: first.Score, Member: append([]byte(nil), first.Member...)}, true, nil
}

func (s *Store) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.markers[key] = marker{value: append([]byte(nil), value...), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, false, err
	}
	m, ok := s.markers[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(m.expiresAt) {
		delete(s.markers, key)
		return nil, false, nil
	}
	return append([]byte(nil), m.value...), true, nil
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.hashes[key], field)
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", false, err
	}
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
