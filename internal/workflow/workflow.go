// Package workflow implements the per-session phase state machine that tracks
// multi-step tasks across engine invocations.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/cmdgate/internal/db"
)

// Phase is the current step of a session's workflow.
type Phase string

const (
	PhaseInvestigating     Phase = "INVESTIGATING"
	PhasePendingApproval   Phase = "PENDING_APPROVAL"
	PhaseApprovedExecuting Phase = "APPROVED_EXECUTING"
	PhaseComplete          Phase = "COMPLETE"
	PhaseBlocked           Phase = "BLOCKED"
	PhaseNeedsInput        Phase = "NEEDS_INPUT"
)

// Terminal reports whether no further transitions are allowed from p.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseBlocked
}

// Workflow errors.
var (
	// ErrInvalidTransition is returned when a phase change is requested out
	// of order. The session remains in its prior phase.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrSessionStale is returned when a session has exceeded its inactivity
	// window or error cap and is no longer eligible to resume.
	ErrSessionStale = errors.New("session is stale and cannot resume")
)

// validTransitions is the full transition table. A session cannot jump from
// INVESTIGATING straight to APPROVED_EXECUTING; it must pass through
// PENDING_APPROVAL.
var validTransitions = map[Phase][]Phase{
	PhaseInvestigating:     {PhasePendingApproval, PhaseNeedsInput, PhaseComplete, PhaseBlocked},
	PhasePendingApproval:   {PhaseApprovedExecuting, PhaseInvestigating, PhaseBlocked},
	PhaseApprovedExecuting: {PhaseComplete, PhaseInvestigating, PhaseBlocked},
	PhaseNeedsInput:        {PhaseInvestigating, PhaseBlocked},
	PhaseComplete:          nil,
	PhaseBlocked:           nil,
}

// CanTransition reports whether from -> to is allowed by the table.
func CanTransition(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Options configures a Tracker.
type Options struct {
	// StaleAfter is the inactivity window after which a session cannot
	// resume (default 30 minutes).
	StaleAfter time.Duration
	// ErrorCap is the error count at which a session is blocked (default 3).
	ErrorCap int
	// Logger receives anomaly logs; nil means a default logger.
	Logger *log.Logger
}

// Tracker owns all session phase mutations. Sessions are isolated units
// addressed by id; the tracker never reads one session's state while
// mutating another's.
type Tracker struct {
	store      *db.DB
	staleAfter time.Duration
	errorCap   int
	logger     *log.Logger
}

// NewTracker creates a tracker over the given store.
func NewTracker(store *db.DB, opts Options) *Tracker {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.ErrorCap <= 0 {
		opts.ErrorCap = 3
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Tracker{
		store:      store,
		staleAfter: opts.StaleAfter,
		errorCap:   opts.ErrorCap,
		logger:     opts.Logger,
	}
}

// Touch returns the session for id, creating it in INVESTIGATING on first
// use. A stale session is restarted from INVESTIGATING rather than resumed;
// a session in a terminal phase stays terminal.
func (t *Tracker) Touch(id string) (*db.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	sess, err := t.store.GetSession(id)
	if errors.Is(err, db.ErrSessionNotFound) {
		sess = &db.Session{ID: id, Phase: string(PhaseInvestigating)}
		if createErr := t.store.CreateSession(sess); createErr != nil {
			return nil, createErr
		}
		return sess, nil
	}
	if err != nil {
		return nil, err
	}

	if !Phase(sess.Phase).Terminal() && !t.Eligible(sess) {
		t.logger.Warn("restarting stale session",
			"session", id, "phase", sess.Phase, "last_active", sess.LastActiveAt)
		if err := t.Restart(sess); err != nil {
			return nil, err
		}
		return t.store.GetSession(id)
	}

	if err := t.store.UpdateSessionHeartbeat(id); err != nil {
		return nil, err
	}
	sess.LastActiveAt = time.Now().UTC()
	return sess, nil
}

// Transition moves the session to a new phase, rejecting and logging
// out-of-order changes as anomalies.
func (t *Tracker) Transition(sess *db.Session, to Phase) error {
	from := Phase(sess.Phase)
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		t.logger.Warn("rejected workflow transition",
			"session", sess.ID, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	if err := t.store.UpdateSessionPhase(sess.ID, string(from), string(to)); err != nil {
		return err
	}
	sess.Phase = string(to)
	return nil
}

// RecordError increments the session's error counter. Crossing the cap
// transitions the session to BLOCKED.
func (t *Tracker) RecordError(sess *db.Session) error {
	count, err := t.store.IncrementSessionErrors(sess.ID)
	if err != nil {
		return err
	}
	sess.ErrorCount = count

	if count >= t.errorCap && !Phase(sess.Phase).Terminal() {
		t.logger.Warn("session error cap exceeded", "session", sess.ID, "errors", count)
		return t.Transition(sess, PhaseBlocked)
	}
	return nil
}

// Eligible reports whether a session may resume: it must be within the
// staleness window and under the error cap.
func (t *Tracker) Eligible(sess *db.Session) bool {
	if time.Since(sess.LastActiveAt) > t.staleAfter {
		return false
	}
	return sess.ErrorCount < t.errorCap
}

// Restart resets a session to INVESTIGATING with a zeroed error counter.
// Any live approval token is stranded and will be invalidated on the next
// issuance.
func (t *Tracker) Restart(sess *db.Session) error {
	if err := t.store.ResetSession(sess.ID, sess.Phase, string(PhaseInvestigating)); err != nil {
		return err
	}
	sess.Phase = string(PhaseInvestigating)
	sess.ErrorCount = 0
	return nil
}

// StaleAfter returns the configured staleness window.
func (t *Tracker) StaleAfter() time.Duration {
	return t.staleAfter
}

// GCResult reports stale session garbage collection results.
type GCResult struct {
	Threshold time.Duration
	Cutoff    time.Time
	Stale     []*db.Session
	DeletedID []string
}

// GarbageCollect finds stale sessions and deletes them unless dryRun is set.
func (t *Tracker) GarbageCollect(dryRun bool) (*GCResult, error) {
	now := time.Now().UTC()
	res := &GCResult{
		Threshold: t.staleAfter,
		Cutoff:    now.Add(-t.staleAfter),
	}

	stale, err := t.store.FindStaleSessions(t.staleAfter)
	if err != nil {
		return nil, err
	}
	res.Stale = stale

	if dryRun {
		return res, nil
	}

	for _, s := range stale {
		if err := t.store.DeleteSession(s.ID); err != nil {
			if errors.Is(err, db.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		res.DeletedID = append(res.DeletedID, s.ID)
	}

	return res, nil
}
