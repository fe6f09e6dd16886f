// Package storage provides the central SQLite database for Cadence.
// A single cadence.db file holds the retry queue, the dead-letter log,
// delivery history, and completed check-in answers. Active conversation
// flows persist separately as per-user JSON files (see pkg/cadence/flow).
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Messages waiting for a retry.
CREATE TABLE IF NOT EXISTS queued_messages (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    recipient       TEXT NOT NULL,
    channel         TEXT NOT NULL,
    category        TEXT NOT NULL,
    period          TEXT DEFAULT '',
    body            TEXT NOT NULL,
    correlation_id  TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    first_queued_at TEXT NOT NULL,
    next_retry_at   TEXT NOT NULL,
    last_error      TEXT DEFAULT ''
);

-- Permanently failed messages, kept for inspection.
CREATE TABLE IF NOT EXISTS dead_letters (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    channel         TEXT NOT NULL,
    category        TEXT NOT NULL,
    body            TEXT NOT NULL,
    correlation_id  TEXT NOT NULL,
    attempts        INTEGER NOT NULL,
    reason          TEXT NOT NULL,
    failed_at       TEXT NOT NULL
);

-- Append-only per-user delivery history used for dedup selection.
CREATE TABLE IF NOT EXISTS delivery_history (
    id       TEXT PRIMARY KEY,
    user_id  TEXT NOT NULL,
    category TEXT NOT NULL,
    body     TEXT NOT NULL,
    period   TEXT DEFAULT '',
    sent_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user_cat ON delivery_history(user_id, category, sent_at);

-- Answers from completed check-in flows, handed off for analytics.
CREATE TABLE IF NOT EXISTS checkin_answers (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      TEXT NOT NULL,
    flow_type    TEXT NOT NULL,
    question     TEXT NOT NULL,
    answer       TEXT NOT NULL,
    completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_answers_user ON checkin_answers(user_id, flow_type);
`

// Open opens (or creates) the central cadence.db at the given path.
// It enables WAL mode for concurrent read performance (the admin surface
// reads these tables while the assistant is running) and creates all tables.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/cadence.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the retry worker and the send path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}
