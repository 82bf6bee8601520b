// Package db provides approval token persistence.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Token errors.
var (
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenConsumed is returned when consuming a token that has already
	// been consumed. Consumption is one-shot; the second attempt fails closed.
	ErrTokenConsumed = errors.New("token already consumed")
)

// Token is a persisted approval token scoped to one operation.
type Token struct {
	ID            string
	SessionID     string
	Scope         string
	ScopePattern  bool
	IssuedAt      time.Time
	ConsumedAt    *time.Time
	InvalidatedAt *time.Time
}

// Consumed reports whether the token has been consumed.
func (t *Token) Consumed() bool {
	return t.ConsumedAt != nil
}

// Invalidated reports whether the token was superseded before consumption.
func (t *Token) Invalidated() bool {
	return t.InvalidatedAt != nil
}

// CreateToken inserts a new token for a session, invalidating any prior
// unconsumed token for that session in the same transaction. A session holds
// at most one live token.
func (db *DB) CreateToken(t *Token) error {
	if t.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if t.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.IssuedAt = time.Now().UTC()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := t.IssuedAt.Format(time.RFC3339)

	if _, err := tx.Exec(`
		UPDATE tokens SET invalidated_at = ?
		WHERE session_id = ? AND consumed_at IS NULL AND invalidated_at IS NULL
	`, now, t.SessionID); err != nil {
		return fmt.Errorf("invalidating prior tokens: %w", err)
	}

	pattern := 0
	if t.ScopePattern {
		pattern = 1
	}
	if _, err := tx.Exec(`
		INSERT INTO tokens (id, session_id, scope, scope_pattern, issued_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.Scope, pattern, now); err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	return tx.Commit()
}

// GetToken retrieves a token by ID.
func (db *DB) GetToken(id string) (*Token, error) {
	row := db.QueryRow(`
		SELECT id, session_id, scope, scope_pattern, issued_at, consumed_at, invalidated_at
		FROM tokens WHERE id = ?
	`, id)

	t := &Token{}
	var pattern int
	var issuedAt string
	var consumedAt, invalidatedAt sql.NullString

	err := row.Scan(&t.ID, &t.SessionID, &t.Scope, &pattern, &issuedAt, &consumedAt, &invalidatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("scanning token: %w", err)
	}

	t.ScopePattern = pattern != 0
	if t.IssuedAt, err = time.Parse(time.RFC3339, issuedAt); err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	if consumedAt.Valid {
		ts, err := time.Parse(time.RFC3339, consumedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing consumed_at: %w", err)
		}
		t.ConsumedAt = &ts
	}
	if invalidatedAt.Valid {
		ts, err := time.Parse(time.RFC3339, invalidatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing invalidated_at: %w", err)
		}
		t.InvalidatedAt = &ts
	}

	return t, nil
}

// GetLiveToken returns the session's unconsumed, uninvalidated token, if any.
func (db *DB) GetLiveToken(sessionID string) (*Token, error) {
	var id string
	err := db.QueryRow(`
		SELECT id FROM tokens
		WHERE session_id = ? AND consumed_at IS NULL AND invalidated_at IS NULL
		ORDER BY issued_at DESC
		LIMIT 1
	`, sessionID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("querying live token: %w", err)
	}
	return db.GetToken(id)
}

// ConsumeToken marks a token consumed. The conditional UPDATE makes
// consumption atomic: the first caller wins, any later caller gets
// ErrTokenConsumed.
func (db *DB) ConsumeToken(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := db.Exec(`
		UPDATE tokens SET consumed_at = ?
		WHERE id = ? AND consumed_at IS NULL AND invalidated_at IS NULL
	`, now, id)
	if err != nil {
		return fmt.Errorf("consuming token: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := db.GetToken(id); errors.Is(getErr, ErrTokenNotFound) {
			return ErrTokenNotFound
		}
		return ErrTokenConsumed
	}
	return nil
}
