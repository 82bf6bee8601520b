// Package db provides session CRUD operations.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session is not found.
var ErrSessionNotFound = errors.New("session not found")

// Session is the persisted state of one agent workflow session.
type Session struct {
	ID           string
	Phase        string
	ErrorCount   int
	StartedAt    time.Time
	LastActiveAt time.Time
}

// Transition is one recorded phase change.
type Transition struct {
	SessionID string
	FromPhase string
	ToPhase   string
	At        time.Time
}

// CreateSession inserts a new session. Generates a UUID if the ID is unset.
func (db *DB) CreateSession(s *Session) error {
	if s.Phase == "" {
		return fmt.Errorf("phase is required")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	s.StartedAt = now
	s.LastActiveAt = now

	_, err := db.Exec(`
		INSERT INTO sessions (id, phase, error_count, started_at, last_active_at)
		VALUES (?, ?, 0, ?, ?)
	`, s.ID, s.Phase, s.StartedAt.Format(time.RFC3339), s.LastActiveAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, phase, error_count, started_at, last_active_at
		FROM sessions WHERE id = ?
	`, id)

	return scanSession(row)
}

// ListSessions returns all sessions, most recently active first.
func (db *DB) ListSessions() ([]*Session, error) {
	rows, err := db.Query(`
		SELECT id, phase, error_count, started_at, last_active_at
		FROM sessions
		ORDER BY last_active_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListSessionsInPhase returns sessions currently in the given phase.
func (db *DB) ListSessionsInPhase(phase string) ([]*Session, error) {
	rows, err := db.Query(`
		SELECT id, phase, error_count, started_at, last_active_at
		FROM sessions
		WHERE phase = ?
		ORDER BY last_active_at DESC
	`, phase)
	if err != nil {
		return nil, fmt.Errorf("querying sessions in phase %s: %w", phase, err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// UpdateSessionHeartbeat updates the last_active_at timestamp for a session.
func (db *DB) UpdateSessionHeartbeat(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := db.Exec(`
		UPDATE sessions SET last_active_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("updating session heartbeat: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateSessionPhase records the phase change and appends it to the
// transition history in one transaction. The update is conditional on the
// current phase so concurrent writers cannot race past the state machine.
func (db *DB) UpdateSessionPhase(id, from, to string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	result, err := tx.Exec(`
		UPDATE sessions SET phase = ?, last_active_at = ? WHERE id = ? AND phase = ?
	`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("updating session phase: %w", err)
	}
	if err := requireRowAffected(result); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		INSERT INTO transitions (session_id, from_phase, to_phase, at)
		VALUES (?, ?, ?, ?)
	`, id, from, to, now); err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}

	return tx.Commit()
}

// IncrementSessionErrors bumps the error counter and returns the new count.
func (db *DB) IncrementSessionErrors(id string) (int, error) {
	result, err := db.Exec(`
		UPDATE sessions SET error_count = error_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing session errors: %w", err)
	}
	if err := requireRowAffected(result); err != nil {
		return 0, err
	}

	var count int
	if err := db.QueryRow(`SELECT error_count FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("reading error count: %w", err)
	}
	return count, nil
}

// ResetSession returns a session to a fresh phase with a zeroed error
// counter, recording the transition.
func (db *DB) ResetSession(id, from, to string) error {
	if err := db.UpdateSessionPhase(id, from, to); err != nil {
		return err
	}
	if _, err := db.Exec(`UPDATE sessions SET error_count = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("resetting error count: %w", err)
	}
	return nil
}

// ListTransitions returns the phase history for a session, oldest first.
func (db *DB) ListTransitions(sessionID string) ([]*Transition, error) {
	rows, err := db.Query(`
		SELECT session_id, from_phase, to_phase, at
		FROM transitions
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		t := &Transition{}
		var at string
		if err := rows.Scan(&t.SessionID, &t.FromPhase, &t.ToPhase, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.At, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("parsing transition time: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

// FindStaleSessions returns sessions that have not been active within the
// threshold, oldest first.
func (db *DB) FindStaleSessions(threshold time.Duration) ([]*Session, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(time.RFC3339)
	rows, err := db.Query(`
		SELECT id, phase, error_count, started_at, last_active_at
		FROM sessions
		WHERE last_active_at < ?
		ORDER BY last_active_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding stale sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// DeleteSession removes a session, its transitions, and its tokens.
func (db *DB) DeleteSession(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tokens WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting session tokens: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM transitions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting session transitions: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := requireRowAffected(result); err != nil {
		return err
	}

	return tx.Commit()
}

func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// scanSession scans a single session row.
func scanSession(row *sql.Row) (*Session, error) {
	s := &Session{}
	var startedAt, lastActiveAt string

	err := row.Scan(&s.ID, &s.Phase, &s.ErrorCount, &startedAt, &lastActiveAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if s.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if s.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveAt); err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}

	return s, nil
}

// scanSessions scans multiple session rows.
func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		s := &Session{}
		var startedAt, lastActiveAt string

		err := rows.Scan(&s.ID, &s.Phase, &s.ErrorCount, &startedAt, &lastActiveAt)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		if s.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if s.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveAt); err != nil {
			return nil, fmt.Errorf("parsing last_active_at: %w", err)
		}

		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}
