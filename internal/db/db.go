// Package db provides SQLite persistence for gate sessions, phase
// transitions, and approval tokens.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL connection.
type DB struct {
	*sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	phase          TEXT NOT NULL,
	error_count    INTEGER NOT NULL DEFAULT 0,
	started_at     TEXT NOT NULL,
	last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	from_phase TEXT NOT NULL,
	to_phase   TEXT NOT NULL,
	at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id);

CREATE TABLE IF NOT EXISTS tokens (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	scope          TEXT NOT NULL,
	scope_pattern  INTEGER NOT NULL DEFAULT 0,
	issued_at      TEXT NOT NULL,
	consumed_at    TEXT,
	invalidated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tokens_session ON tokens(session_id);
`

// Open opens the database at path without creating the schema.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenAndMigrate opens the database at path, creating parent directories and
// the schema as needed.
func OpenAndMigrate(path string) (*DB, error) {
	return open(path, true)
}

func open(path string, migrate bool) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}

	if migrate {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer; WAL keeps readers unblocked.
	if _, err := conn.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	db := &DB{DB: conn, path: path}

	if migrate {
		if _, err := conn.Exec(schema); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}
