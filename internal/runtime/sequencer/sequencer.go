// Package sequencer assigns cluster-wide sequence numbers and keeps the
// trimmed, expiring log that catch-up reads from.
package sequencer

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/store"
)

const (
	DefaultCounterKey  = "global_event_sequence"
	DefaultLogKey      = "event_log"
	DefaultRetainCount = 5000
	DefaultRetainFor   = 24 * time.Hour
)

// Store is the part of the shared store the sequencer needs.
type Store interface {
	store.Counter
	store.Log
}

// Config names the keys and the two retention bounds.
type Config struct {
	CounterKey  string
	LogKey      string
	RetainCount int64
	RetainFor   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CounterKey == "" {
		c.CounterKey = DefaultCounterKey
	}
	if c.LogKey == "" {
		c.LogKey = DefaultLogKey
	}
	if c.RetainCount <= 0 {
		c.RetainCount = DefaultRetainCount
	}
	if c.RetainFor <= 0 {
		c.RetainFor = DefaultRetainFor
	}
	return c
}

// Record is one retained log entry.
type Record struct {
	Sequence uint64
	Data     []byte
}

// Sequencer wraps the counter and the event log.
type Sequencer struct {
	store  Store
	cfg    Config
	logger logging.ServiceLogger
}

// New builds a Sequencer on st.
func New(st Store, cfg Config, logger logging.ServiceLogger) (*Sequencer, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Sequencer{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logger.With(logging.LogFields{"component": "sequencer"}),
	}, nil
}

// Next atomically increments the counter and returns the new sequence.
func (s *Sequencer) Next(ctx context.Context) (uint64, error) {
	v, err := s.store.Incr(ctx, s.cfg.CounterKey)
	if err != nil {
		return 0, &errspkg.BusUnavailableError{Op: "incr", Err: err}
	}
	if v <= 0 {
		return 0, &errspkg.BusUnavailableError{Op: "incr", Err: fmt.Errorf("counter returned %d", v)}
	}
	return uint64(v), nil
}

// Current returns the last assigned sequence.
func (s *Sequencer) Current(ctx context.Context) (uint64, error) {
	v, err := s.store.Counter(ctx, s.cfg.CounterKey)
	if err != nil {
		return 0, &errspkg.BusUnavailableError{Op: "counter", Err: err}
	}
	if v < 0 {
		return 0, nil
	}
	return uint64(v), nil
}

// Append logs data at seq and trims everything older than seq-RetainCount in
// one atomic step, then refreshes the log expiry. An expiry failure is logged
// and does not fail the append.
func (s *Sequencer) Append(ctx context.Context, seq uint64, data []byte) error {
	score := int64(seq)
	floor := score - s.cfg.RetainCount
	if err := s.store.AppendTrim(ctx, s.cfg.LogKey, score, data, floor); err != nil {
		return &errspkg.BusUnavailableError{Op: "append", Err: err}
	}
	if err := s.store.Expire(ctx, s.cfg.LogKey, s.cfg.RetainFor); err != nil {
		s.logger.Error("Failed to refresh event log expiry", err, logging.LogFields{"sequence": seq})
	}
	return nil
}

// Since returns retained records with a sequence greater than after, oldest
// first. It returns a *ResyncRequiredError when records after the cursor may
// have been trimmed or expired, or when the cursor is ahead of the counter.
func (s *Sequencer) Since(ctx context.Context, after uint64) ([]Record, error) {
	latest, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}

	oldest, hasOldest, err := s.store.Oldest(ctx, s.cfg.LogKey)
	if err != nil {
		return nil, &errspkg.BusUnavailableError{Op: "oldest", Err: err}
	}
	var oldestSeq uint64
	if hasOldest && oldest.Score > 0 {
		oldestSeq = uint64(oldest.Score)
	}

	if after > latest {
		return nil, &errspkg.ResyncRequiredError{Since: after, Oldest: oldestSeq, Latest: latest}
	}
	if after == latest {
		return nil, nil
	}
	if !hasOldest || oldestSeq > after+1 {
		return nil, &errspkg.ResyncRequiredError{Since: after, Oldest: oldestSeq, Latest: latest}
	}

	entries, err := s.store.RangeAfter(ctx, s.cfg.LogKey, int64(after))
	if err != nil {
		return nil, &errspkg.BusUnavailableError{Op: "range", Err: err}
	}

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		if e.Score <= 0 {
			continue
		}
		records = append(records, Record{Sequence: uint64(e.Score), Data: e.Member})
	}
	return records, nil
}
