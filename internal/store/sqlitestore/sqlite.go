// Package sqlitestore is the durable SQLite backend for jobs, validation
// records, dedup sessions and the domain cache.
//
// Databases opened with Open run in WAL mode with synchronous(FULL), so a
// committed transaction is on stable storage when the call returns.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/optimode/mailverify/internal/metrics"
)

// _txlock=immediate makes every transaction take the write lock at BEGIN,
// so a read-then-write transaction cannot race another connection.
const dsnParams = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_txlock=immediate"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		status     TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status)`,
	`CREATE TABLE IF NOT EXISTS email_records (
		address          TEXT PRIMARY KEY,
		syntax_valid     INTEGER NOT NULL DEFAULT 0,
		domain_valid     INTEGER NOT NULL DEFAULT 0,
		has_mx           INTEGER NOT NULL DEFAULT 0,
		type             TEXT NOT NULL DEFAULT '',
		smtp_outcome     TEXT NOT NULL DEFAULT '',
		confidence       TEXT NOT NULL DEFAULT '',
		smtp_code        INTEGER NOT NULL DEFAULT 0,
		mx_host          TEXT NOT NULL DEFAULT '',
		reason           TEXT NOT NULL DEFAULT '',
		suggestion       TEXT NOT NULL DEFAULT '',
		first_seen       INTEGER NOT NULL,
		last_seen        INTEGER NOT NULL,
		last_validated   INTEGER NOT NULL DEFAULT 0,
		validation_count INTEGER NOT NULL DEFAULT 0,
		deleted_at       INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS dedup_sessions (
		id              TEXT PRIMARY KEY,
		created_at      INTEGER NOT NULL,
		total           INTEGER NOT NULL,
		new_count       INTEGER NOT NULL,
		duplicate_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS domain_cache (
		domain     TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

// Store implements jobs.Store, dedup.Backend and dnscache.Store.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type Option func(*Store)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// Open opens (or creates) the database at path and applies the schema.
// A path that already carries a query string is used as the DSN verbatim.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?" + dsnParams
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// a single connection serializes writers inside the process
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database without touching its schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("sqlitestore: migrate: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// inTx runs fn in a transaction and commits it, retrying the whole
// transaction while the database is busy.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// withRetry retries fn with exponential backoff while SQLite reports the
// database as locked. Other errors are returned unchanged.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	backoff := 5 * time.Millisecond
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.log.Debug().Err(err).Dur("backoff", backoff).Msg("sqlite busy, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 250*time.Millisecond)
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
