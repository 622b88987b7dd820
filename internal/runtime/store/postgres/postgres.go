// Package postgres backs store.Store with PostgreSQL for deployments that
// already run a database and do not want a Redis dependency.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/chirpflow/internal/runtime/store"
)

const (
	// DefaultSchemaName is used when Config.SchemaName is empty.
	DefaultSchemaName = "chirpflow"
	// DefaultMaxOpenConns bounds the pool when unset.
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns bounds idle connections when unset.
	DefaultMaxIdleConns = 5
)

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema holding the store tables.
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	return c
}

// Store implements store.Store on database/sql.
type Store struct {
	db     *sql.DB
	schema string
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("postgres store: connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}

	s, err := NewWithDB(db, cfg.SchemaName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database. The schema is not created.
func NewWithDB(db *sql.DB, schema string) (*Store, error) {
	if schema == "" {
		schema = DefaultSchemaName
	}
	if !schemaNamePattern.MatchString(schema) {
		return nil, fmt.Errorf("postgres store: invalid schema name %q", schema)
	}
	return &Store{db: db, schema: schema, now: time.Now}, nil
}

// InitSchema creates the store tables.
func (s *Store) InitSchema(ctx context.Context) error {
	// #nosec G201 - schema name is validated in NewWithDB
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.counters (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %[1]s.log_entries (
		key TEXT NOT NULL,
		score BIGINT NOT NULL,
		member BYTEA NOT NULL,
		PRIMARY KEY (key, score)
	);

	CREATE TABLE IF NOT EXISTS %[1]s.log_expiry (
		key TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %[1]s.markers (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_markers_expires_at ON %[1]s.markers(expires_at);

	CREATE TABLE IF NOT EXISTS %[1]s.hashes (
		key TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (key, field)
	);
	`, s.schema)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: init schema: %w", err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	// #nosec G201
	query := fmt.Sprintf(`
		INSERT INTO %[1]s.counters (key, value) VALUES ($1, 1)
		ON CONFLICT (key) DO UPDATE SET value = %[1]s.counters.value + 1
		RETURNING value
	`, s.schema)

	var v int64
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&v); err != nil {
		return 0, fmt.Errorf("postgres store: incr %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Counter(ctx context.Context, key string) (int64, error) {
	// #nosec G201
	query := fmt.Sprintf(`SELECT value FROM %s.counters WHERE key = $1`, s.schema)

	var v int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: counter %s: %w", key, err)
	}
	return v, nil
}

// AppendTrim drops an expired log, inserts the entry and trims below floor in
// one transaction.
func (s *Store) AppendTrim(ctx context.Context, key string, score int64, member []byte, floor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now().UTC()

	// #nosec G201
	purge := fmt.Sprintf(`
		DELETE FROM %[1]s.log_entries WHERE key = $1
		AND EXISTS (SELECT 1 FROM %[1]s.log_expiry e WHERE e.key = $1 AND e.expires_at <= $2)
	`, s.schema)
	if _, err := tx.ExecContext(ctx, purge, key, now); err != nil {
		return fmt.Errorf("postgres store: purge %s: %w", key, err)
	}

	// #nosec G201
	clearExpiry := fmt.Sprintf(`DELETE FROM %s.log_expiry WHERE key = $1 AND expires_at <= $2`, s.schema)
	if _, err := tx.ExecContext(ctx, clearExpiry, key, now); err != nil {
		return fmt.Errorf("postgres store: purge %s: %w", key, err)
	}

	// #nosec G201
	insert := fmt.Sprintf(`
		INSERT INTO %s.log_entries (key, score, member) VALUES ($1, $2, $3)
		ON CONFLICT (key, score) DO UPDATE SET member = EXCLUDED.member
	`, s.schema)
	if _, err := tx.ExecContext(ctx, insert, key, score, member); err != nil {
		return fmt.Errorf("postgres store: append %s: %w", key, err)
	}

	// #nosec G201
	trim := fmt.Sprintf(`DELETE FROM %s.log_entries WHERE key = $1 AND score < $2`, s.schema)
	if _, err := tx.ExecContext(ctx, trim, key, floor); err != nil {
		return fmt.Errorf("postgres store: trim %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	// #nosec G201
	query := fmt.Sprintf(`
		INSERT INTO %s.log_expiry (key, expires_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, s.schema)
	if _, err := s.db.ExecContext(ctx, query, key, s.now().UTC().Add(ttl)); err != nil {
		return fmt.Errorf("postgres store: expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) RangeAfter(ctx context.Context, key string, after int64) ([]store.Entry, error) {
	// #nosec G201
	query := fmt.Sprintf(`
		SELECT score, member FROM %[1]s.log_entries l
		WHERE l.key = $1 AND l.score > $2
		AND NOT EXISTS (SELECT 1 FROM %[1]s.log_expiry e WHERE e.key = l.key AND e.expires_at <= $3)
		ORDER BY l.score ASC
	`, s.schema)
	return s.queryEntries(ctx, key, query, key, after, s.now().UTC())
}

func (s *Store) Oldest(ctx context.Context, key string) (store.Entry, bool, error) {
	// #nosec G201
	query := fmt.Sprintf(`
		SELECT score, member FROM %[1]s.log_entries l
		WHERE l.key = $1
		AND NOT EXISTS (SELECT 1 FROM %[1]s.log_expiry e WHERE e.key = l.key AND e.expires_at <= $2)
		ORDER BY l.score ASC
		LIMIT 1
	`, s.schema)
	entries, err := s.queryEntries(ctx, key, query, key, s.now().UTC())
	if err != nil || len(entries) == 0 {
		return store.Entry{}, false, err
	}
	return entries[0], true, nil
}

func (s *Store) queryEntries(ctx context.Context, key, query string, args ...any) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: range %s: %w", key, err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Score, &e.Member); err != nil {
			return nil, fmt.Errorf("postgres store: scan %s: %w", key, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: range %s: %w", key, err)
	}
	return out, nil
}

func (s *Store) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// #nosec G201
	query := fmt.Sprintf(`
		INSERT INTO %s.markers (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, s.schema)
	if _, err := s.db.ExecContext(ctx, query, key, value, s.now().UTC().Add(ttl)); err != nil {
		return fmt.Errorf("postgres store: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	// #nosec G201
	query := fmt.Sprintf(`SELECT value FROM %s.markers WHERE key = $1 AND expires_at > $2`, s.schema)

	var v []byte
	err := s.db.QueryRowContext(ctx, query, key, s.now().UTC()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: get %s: %w", key, err)
	}
	return v, true, nil
}

// SweepMarkers deletes expired markers and reports how many were removed.
func (s *Store) SweepMarkers(ctx context.Context) (int64, error) {
	// #nosec G201
	query := fmt.Sprintf(`DELETE FROM %s.markers WHERE expires_at <= $1`, s.schema)
	res, err := s.db.ExecContext(ctx, query, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres store: sweep markers: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	// #nosec G201
	query := fmt.Sprintf(`
		INSERT INTO %s.hashes (key, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value
	`, s.schema)
	if _, err := s.db.ExecContext(ctx, query, key, field, value); err != nil {
		return fmt.Errorf("postgres store: hset %s: %w", key, err)
	}
	return nil
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	// #nosec G201
	query := fmt.Sprintf(`DELETE FROM %s.hashes WHERE key = $1 AND field = $2`, s.schema)
	if _, err := s.db.ExecContext(ctx, query, key, field); err != nil {
		return fmt.Errorf("postgres store: hdel %s: %w", key, err)
	}
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	// #nosec G201
	query := fmt.Sprintf(`SELECT value FROM %s.hashes WHERE key = $1 AND field = $2`, s.schema)

	var v string
	err := s.db.QueryRowContext(ctx, query, key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres store: hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
