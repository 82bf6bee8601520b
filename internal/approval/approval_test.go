package approval_test

import (
	"testing"
	"time"

	"github.com/Dicklesworthstone/cmdgate/internal/approval"
	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/shellparse"
	"github.com/Dicklesworthstone/cmdgate/internal/testutil"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

func newGate(t *testing.T, database *db.DB, ttl time.Duration) *approval.Gate {
	t.Helper()
	return approval.NewGate(database, approval.Options{
		TTL:    ttl,
		Logger: testutil.TestLogger(t),
	})
}

func TestScopeFor(t *testing.T) {
	atoms, err := shellparse.Parse("kubectl delete namespace prod")
	testutil.RequireNoError(t, err, "Parse")

	scope := approval.ScopeFor(atoms, "/work")
	testutil.RequireEqual(t, "cwd=/work cmd=kubectl delete namespace prod", scope, "scope")

	atoms, err = shellparse.Parse("ls | grep foo")
	testutil.RequireNoError(t, err, "Parse")
	scope = approval.ScopeFor(atoms, "/work")
	testutil.RequireEqual(t, "cwd=/work cmd=ls | grep foo", scope, "piped scope")
}

func TestRequest_RequiresPendingApproval(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)

	sess := testutil.MakeSession(t, database, string(workflow.PhaseInvestigating))
	_, err := gate.Request(sess, "scope", false)
	testutil.RequireErrorIs(t, err, approval.ErrNotPending, "investigating session")

	sess = testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))
	tok, err := gate.Request(sess, "scope", false)
	testutil.RequireNoError(t, err, "pending session")
	if tok.ID == "" {
		t.Fatalf("expected token id")
	}
}

func TestConsume_ExactScope(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)
	sess := testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))

	tok, err := gate.Request(sess, "cwd=/w cmd=rm -rf /data", false)
	testutil.RequireNoError(t, err, "Request")

	_, err = gate.Consume(tok.ID, "cwd=/w cmd=rm -rf /other")
	testutil.RequireErrorIs(t, err, approval.ErrScopeMismatch, "different operation")

	got, err := gate.Consume(tok.ID, "cwd=/w cmd=rm -rf /data")
	testutil.RequireNoError(t, err, "matching operation")
	if !got.Consumed() {
		t.Fatalf("token should be consumed")
	}

	// One-shot: the same token cannot be spent twice.
	_, err = gate.Consume(tok.ID, "cwd=/w cmd=rm -rf /data")
	testutil.RequireErrorIs(t, err, db.ErrTokenConsumed, "double consume")
}

func TestConsume_PatternScope(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)
	sess := testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))

	tok, err := gate.Request(sess, `cwd=/w cmd=kubectl delete pod web-\d+`, true)
	testutil.RequireNoError(t, err, "Request")

	_, err = gate.Consume(tok.ID, "cwd=/w cmd=kubectl delete pod web-42")
	testutil.RequireNoError(t, err, "pattern match")
}

func TestConsume_PatternIsAnchored(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)
	sess := testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))

	tok, err := gate.Request(sess, `cwd=/w cmd=kubectl delete pod web`, true)
	testutil.RequireNoError(t, err, "Request")

	// A partial match must not authorize a superset of the operation.
	_, err = gate.Consume(tok.ID, "cwd=/w cmd=kubectl delete pod web && rm -rf /")
	testutil.RequireErrorIs(t, err, approval.ErrScopeMismatch, "superset operation")
}

func TestRequest_InvalidPatternRejected(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)
	sess := testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))

	if _, err := gate.Request(sess, "(", true); err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
}

func TestConsume_Expired(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, time.Nanosecond)
	sess := testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))

	tok, err := gate.Request(sess, "scope", false)
	testutil.RequireNoError(t, err, "Request")

	time.Sleep(10 * time.Millisecond)

	_, err = gate.Consume(tok.ID, "scope")
	testutil.RequireErrorIs(t, err, approval.ErrTokenExpired, "expired token")
}

func TestConsume_SupersededToken(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)
	sess := testutil.MakeSession(t, database, string(workflow.PhasePendingApproval))

	first, err := gate.Request(sess, "scope-a", false)
	testutil.RequireNoError(t, err, "first token")
	second, err := gate.Request(sess, "scope-b", false)
	testutil.RequireNoError(t, err, "second token")

	_, err = gate.Consume(first.ID, "scope-a")
	testutil.RequireErrorIs(t, err, approval.ErrTokenInvalidated, "superseded token")

	_, err = gate.Consume(second.ID, "scope-b")
	testutil.RequireNoError(t, err, "live token")
}

func TestConsume_UnknownToken(t *testing.T) {
	database := testutil.NewTestDB(t)
	gate := newGate(t, database, 0)

	_, err := gate.Consume("missing", "scope")
	testutil.RequireErrorIs(t, err, db.ErrTokenNotFound, "unknown token")
}
