// Package dedup remembers client idempotency tokens for a fixed window so a
// retried send is answered with the original acknowledgment. Tokens are
// generated by clients, so every marker is scoped to the sending user.
package dedup

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/store"
)

const (
	DefaultPrefix = "processed_messages:"
	DefaultTTL    = 5 * time.Minute
)

// Markers written before the ack was stored carry this value.
var placeholder = []byte("1")

// Config controls the key prefix and the marker lifetime.
type Config struct {
	Prefix string
	TTL    time.Duration
}

// Deduplicator stores one expiring marker per processed token.
type Deduplicator struct {
	store  store.Markers
	prefix string
	ttl    time.Duration
	logger logging.ServiceLogger
}

// New returns a Deduplicator over st.
func New(st store.Markers, cfg Config, logger logging.ServiceLogger) (*Deduplicator, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Deduplicator{
		store:  st,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger.With(logging.LogFields{"component": "dedup"}),
	}, nil
}

// Lookup returns the acknowledgment userID received for token. found is false
// for an empty token. A marker without a stored ack returns found with a nil
// ack.
func (d *Deduplicator) Lookup(ctx context.Context, userID, token string) (ack []byte, found bool, err error) {
	if token == "" {
		return nil, false, nil
	}
	v, ok, err := d.store.Get(ctx, d.key(userID, token))
	if err != nil {
		return nil, false, fmt.Errorf("lookup token: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if string(v) == string(placeholder) {
		return nil, true, nil
	}
	return v, true, nil
}

// IsProcessed reports whether userID's token has been marked within the
// window.
func (d *Deduplicator) IsProcessed(ctx context.Context, userID, token string) (bool, error) {
	_, found, err := d.Lookup(ctx, userID, token)
	return found, err
}

// MarkProcessed records userID's token together with the ack that answered
// it. An empty token is a no-op.
func (d *Deduplicator) MarkProcessed(ctx context.Context, userID, token string, ack []byte) error {
	if token == "" {
		return nil
	}
	if len(ack) == 0 {
		ack = placeholder
	}
	if err := d.store.SetEX(ctx, d.key(userID, token), ack, d.ttl); err != nil {
		return fmt.Errorf("mark token: %w", err)
	}
	d.logger.Trace("Marked token processed", logging.LogFields{"user_id": userID, "token": token})
	return nil
}

func (d *Deduplicator) key(userID, token string) string {
	return d.prefix + userID + ":" + token
}
