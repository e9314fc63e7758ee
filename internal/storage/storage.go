// Package storage provides the SQLite storage layer for hookline.
//
// It owns the events table: idempotent inserts keyed by idempotency_key,
// the event state machine transitions driven by the worker pool, the
// startup recovery scan, and retention deletes for the cleanup sweeper.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is a fixed-width RFC 3339 format with nanosecond precision.
// Fixed width matters: timestamps are stored as TEXT and compared with SQL
// string operators, which only agrees with time order when every value has
// the same shape. All stored times are UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id              TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    event_type      TEXT NOT NULL,
    payload         TEXT NOT NULL,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT,
    retry_after     TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_status_created
    ON events (status, created_at);
`

// DB wraps a single-file SQLite database.
// Writes serialise through one connection; WAL mode keeps the file readable
// by other processes while a write is in flight.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode with a 5s busy timeout, and applies the schema. ":memory:" is
// accepted for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single pooled connection
	// serialises concurrent writers instead of surfacing SQLITE_BUSY to them.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return &DB{db: db, logger: logger}, nil
}

// Conn returns the underlying sql.DB for use by tests.
func (db *DB) Conn() *sql.DB {
	return db.db
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close shuts down the database connection.
func (db *DB) Close() error {
	return db.db.Close()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
// On the insert path this is the duplicate-submission discriminant, not an error.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate values written by other tools with trimmed zeros.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}
