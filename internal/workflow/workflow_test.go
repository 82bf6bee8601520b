package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/testutil"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

func newTracker(t *testing.T, database *db.DB, opts workflow.Options) *workflow.Tracker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testutil.TestLogger(t)
	}
	return workflow.NewTracker(database, opts)
}

func TestTouch_CreatesSession(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{})

	sess, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "Touch")
	testutil.RequireEqual(t, "agent-1", sess.ID, "session id")
	testutil.RequireEqual(t, string(workflow.PhaseInvestigating), sess.Phase, "initial phase")

	again, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "second Touch")
	testutil.RequireEqual(t, sess.ID, again.ID, "same session")
}

func TestTransition_ValidPath(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{})

	sess, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "Touch")

	steps := []workflow.Phase{
		workflow.PhasePendingApproval,
		workflow.PhaseApprovedExecuting,
		workflow.PhaseInvestigating,
		workflow.PhasePendingApproval,
		workflow.PhaseApprovedExecuting,
		workflow.PhaseComplete,
	}
	for _, to := range steps {
		testutil.RequireNoError(t, tracker.Transition(sess, to), string(to))
	}

	transitions, err := database.ListTransitions(sess.ID)
	testutil.RequireNoError(t, err, "ListTransitions")
	testutil.RequireLen(t, transitions, len(steps), "recorded transitions")
}

func TestTransition_InvalidRejected(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{})

	sess, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "Touch")

	// Cannot jump straight to execution without approval.
	err = tracker.Transition(sess, workflow.PhaseApprovedExecuting)
	testutil.RequireErrorIs(t, err, workflow.ErrInvalidTransition, "skip approval")
	testutil.RequireEqual(t, string(workflow.PhaseInvestigating), sess.Phase, "phase unchanged")

	// Terminal phases accept nothing.
	testutil.RequireNoError(t, tracker.Transition(sess, workflow.PhaseComplete), "complete")
	err = tracker.Transition(sess, workflow.PhaseInvestigating)
	testutil.RequireErrorIs(t, err, workflow.ErrInvalidTransition, "leave terminal")
}

func TestNeedsInputRoundTrip(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{})

	sess, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "Touch")

	testutil.RequireNoError(t, tracker.Transition(sess, workflow.PhaseNeedsInput), "to needs-input")
	testutil.RequireNoError(t, tracker.Transition(sess, workflow.PhaseInvestigating), "back to investigating")
}

func TestRecordError_CapBlocksSession(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{ErrorCap: 3})

	sess, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "Touch")

	testutil.RequireNoError(t, tracker.RecordError(sess), "error 1")
	testutil.RequireNoError(t, tracker.RecordError(sess), "error 2")
	testutil.RequireEqual(t, string(workflow.PhaseInvestigating), sess.Phase, "still active under cap")

	testutil.RequireNoError(t, tracker.RecordError(sess), "error 3")
	testutil.RequireEqual(t, string(workflow.PhaseBlocked), sess.Phase, "blocked at cap")
}

func TestEligible_StalenessWindow(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{StaleAfter: 30 * time.Minute})

	sess := &db.Session{
		ID:           "agent-1",
		Phase:        string(workflow.PhaseInvestigating),
		LastActiveAt: time.Now().UTC().Add(-29 * time.Minute),
	}
	if !tracker.Eligible(sess) {
		t.Fatalf("29 minutes idle must still be eligible")
	}

	sess.LastActiveAt = time.Now().UTC().Add(-31 * time.Minute)
	if tracker.Eligible(sess) {
		t.Fatalf("31 minutes idle must be stale")
	}

	sess.LastActiveAt = time.Now().UTC()
	sess.ErrorCount = 3
	if tracker.Eligible(sess) {
		t.Fatalf("error cap reached must be ineligible")
	}
}

func TestRestart_ResetsPhaseAndErrors(t *testing.T) {
	database := testutil.NewTestDB(t)
	tracker := newTracker(t, database, workflow.Options{})

	sess, err := tracker.Touch("agent-1")
	testutil.RequireNoError(t, err, "Touch")
	testutil.RequireNoError(t, tracker.Transition(sess, workflow.PhasePendingApproval), "to pending")
	testutil.RequireNoError(t, tracker.RecordError(sess), "record error")

	testutil.RequireNoError(t, tracker.Restart(sess), "Restart")
	testutil.RequireEqual(t, string(workflow.PhaseInvestigating), sess.Phase, "phase after restart")
	testutil.RequireEqual(t, 0, sess.ErrorCount, "errors after restart")
}

func TestGarbageCollect(t *testing.T) {
	database := testutil.NewTestDB(t)
	// Negative-duration windows are clamped to the default; use a tracker
	// with a tiny positive window and backdated sessions instead.
	tracker := newTracker(t, database, workflow.Options{StaleAfter: time.Minute})

	fresh := testutil.MakeSession(t, database, "INVESTIGATING")
	stale := testutil.MakeSession(t, database, "INVESTIGATING")
	backdate(t, database, stale.ID, time.Now().UTC().Add(-time.Hour))

	res, err := tracker.GarbageCollect(true)
	testutil.RequireNoError(t, err, "dry run")
	testutil.RequireLen(t, res.Stale, 1, "stale sessions")
	testutil.RequireLen(t, res.DeletedID, 0, "dry run deletes nothing")

	res, err = tracker.GarbageCollect(false)
	testutil.RequireNoError(t, err, "gc")
	testutil.RequireLen(t, res.DeletedID, 1, "deleted sessions")

	if _, err := database.GetSession(stale.ID); !errors.Is(err, db.ErrSessionNotFound) {
		t.Fatalf("stale session should be gone: %v", err)
	}
	if _, err := database.GetSession(fresh.ID); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}

func backdate(t *testing.T, database *db.DB, id string, to time.Time) {
	t.Helper()
	_, err := database.Exec(
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		to.Format(time.RFC3339), id)
	testutil.RequireNoError(t, err, "backdating session")
}
