// Package sqlitestore provides an offline, single-file Store
// implementation for the CLI (cmd/anamnesis), backing the same memory
// and contradiction operations as internal/storage but without a
// running Postgres instance. Adapted from the teacher's embedded
// SQLite layer (timelayer-timelayer/internal/app/db.go), which opens
// a single-connection modernc.org/sqlite database, applies its schema
// via a single exec, and layers small hand-rolled migrations on top.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS memories (
  memory_id       TEXT PRIMARY KEY,
  thread_id       TEXT NOT NULL,
  session_id      TEXT NOT NULL,
  text            TEXT NOT NULL,
  slot            TEXT,
  value           TEXT NOT NULL,
  raw_value       TEXT NOT NULL,
  source          TEXT NOT NULL,
  trust           REAL NOT NULL DEFAULT 0,
  confidence      REAL NOT NULL DEFAULT 0,
  created_at      TEXT NOT NULL,
  valid_from      TEXT NOT NULL,
  valid_until     TEXT,
  period_text     TEXT,
  temporal_status TEXT NOT NULL,
  domain_tags     TEXT NOT NULL DEFAULT '[]',
  status          TEXT NOT NULL,
  embedding       BLOB,
  superseded_by   TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_thread_slot ON memories(thread_id, slot);
CREATE INDEX IF NOT EXISTS idx_memories_thread_status ON memories(thread_id, status);

CREATE TABLE IF NOT EXISTS contradictions (
  contradiction_id    TEXT PRIMARY KEY,
  thread_id           TEXT NOT NULL,
  created_at          TEXT NOT NULL,
  updated_at          TEXT NOT NULL,
  kind                TEXT NOT NULL,
  involved_memory_ids TEXT NOT NULL,
  slot                TEXT,
  affected_domains    TEXT NOT NULL DEFAULT '[]',
  severity            TEXT NOT NULL,
  status              TEXT NOT NULL DEFAULT 'open',
  resolution          TEXT,
  resolution_history  TEXT NOT NULL DEFAULT '[]',
  notes               TEXT
);

CREATE INDEX IF NOT EXISTS idx_contradictions_thread_status ON contradictions(thread_id, status);
`

// Store wraps a single-connection SQLite database implementing the
// memory-store and contradiction-ledger operations for offline use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and
// applies the schema. Matches the teacher's single-max-open-conn
// pattern — SQLite has no meaningful connection pooling story, and a
// single connection keeps WAL-mode writer serialization simple.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
