// Package sqlite is the embedded, single-host persistence backend: a
// WAL-mode SQLite database holding snapshots, per-category baselines, change
// history and containment records.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the HTTP API can
// read while a scan or the containment sweeper writes. The pool is limited
// to one connection, which serialises writers and gives every caller
// read-your-writes consistency.
//
// # Encoding
//
// Items, scan statistics and change details are stored as JSON documents
// next to the columns used for filtering. Timestamps are fixed-width UTC
// strings so they sort lexically.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// timeFormat is fixed width so text comparison orders timestamps.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements baseline.Store, containment.Store and agent.SnapshotStore
// on SQLite. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	snapshots atomic.Int64
	actions   atomic.Int64
}

// Open opens (or creates) the database at path and applies the schema. The
// path ":memory:" gives a private in-memory database, which suits tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s := &Store{db: db}
	var snaps, acts int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&snaps); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: count snapshots: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM containment_actions`).Scan(&acts); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: count actions: %w", err)
	}
	s.snapshots.Store(snaps)
	s.actions.Store(acts)
	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS snapshots (
    id          TEXT    PRIMARY KEY,
    created_at  TEXT    NOT NULL,
    stats       TEXT    NOT NULL DEFAULT '{}',
    item_count  INTEGER NOT NULL DEFAULT 0,
    error_count INTEGER NOT NULL DEFAULT 0,
    cancelled   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots (created_at);

CREATE TABLE IF NOT EXISTS snapshot_items (
    snapshot_id TEXT    NOT NULL REFERENCES snapshots (id) ON DELETE CASCADE,
    ord         INTEGER NOT NULL,
    category    TEXT    NOT NULL,
    identifier  TEXT    NOT NULL,
    data        TEXT    NOT NULL,
    PRIMARY KEY (snapshot_id, ord)
);

CREATE TABLE IF NOT EXISTS baselines (
    category   TEXT PRIMARY KEY,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS baseline_items (
    category   TEXT    NOT NULL REFERENCES baselines (category) ON DELETE CASCADE,
    ord        INTEGER NOT NULL,
    identifier TEXT    NOT NULL,
    data       TEXT    NOT NULL,
    PRIMARY KEY (category, ord)
);

CREATE TABLE IF NOT EXISTS change_history (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT    NOT NULL UNIQUE,
    detected_at     TEXT    NOT NULL,
    change_type     TEXT    NOT NULL,
    category        TEXT    NOT NULL,
    identifier      TEXT    NOT NULL,
    name            TEXT    NOT NULL DEFAULT '',
    details         TEXT    NOT NULL DEFAULT '[]',
    relevance       INTEGER NOT NULL DEFAULT 0,
    acknowledged    INTEGER NOT NULL DEFAULT 0,
    acknowledged_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_change_history_detected ON change_history (detected_at);
CREATE INDEX IF NOT EXISTS idx_change_history_item ON change_history (category, identifier);

CREATE TABLE IF NOT EXISTS containment_actions (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    category   TEXT    NOT NULL,
    identifier TEXT    NOT NULL,
    type       TEXT    NOT NULL,
    status     TEXT    NOT NULL,
    created_at TEXT    NOT NULL,
    data       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_containment_actions_item ON containment_actions (category, identifier, seq);

CREATE TABLE IF NOT EXISTS network_rules (
    id          TEXT PRIMARY KEY,
    category    TEXT NOT NULL,
    identifier  TEXT NOT NULL,
    anchor      TEXT NOT NULL,
    binary_path TEXT NOT NULL,
    method      TEXT NOT NULL,
    rule_text   TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    expires_at  TEXT NOT NULL
);
`

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Counts returns the number of stored snapshots and containment actions
// without touching the database.
func (s *Store) Counts() (snapshots, actions int64) {
	return s.snapshots.Load(), s.actions.Load()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
