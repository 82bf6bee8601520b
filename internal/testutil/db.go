package testutil

import (
	"path/filepath"
	"testing"

	"github.com/Dicklesworthstone/cmdgate/internal/db"
)

// NewTestDB returns a temporary, migrated SQLite database for tests.
//
// The caller does not need to close it; cleanup is registered on t.Cleanup.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	return NewTestDBAtPath(t, path)
}

// NewTestDBAtPath creates a migrated SQLite database at a specific path.
func NewTestDBAtPath(t *testing.T, path string) *db.DB {
	t.Helper()

	if path == "" {
		t.Fatalf("NewTestDBAtPath: path is required")
	}

	database, err := db.OpenAndMigrate(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	t.Cleanup(func() {
		_ = database.Close()
	})

	return database
}

// MakeSession creates a session in the given phase and returns it.
func MakeSession(t *testing.T, database *db.DB, phase string) *db.Session {
	t.Helper()

	sess := &db.Session{Phase: phase}
	if err := database.CreateSession(sess); err != nil {
		t.Fatalf("creating test session: %v", err)
	}
	return sess
}

// MakeSessionWithID creates a session with a fixed id in the given phase.
func MakeSessionWithID(t *testing.T, database *db.DB, id, phase string) *db.Session {
	t.Helper()

	sess := &db.Session{ID: id, Phase: phase}
	if err := database.CreateSession(sess); err != nil {
		t.Fatalf("creating test session %s: %v", id, err)
	}
	return sess
}
