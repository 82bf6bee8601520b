// Package approval implements the one-shot token gate that stands between a
// classified command and its execution.
package approval

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/shellparse"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

// Gate errors.
var (
	// ErrNotPending is returned when a token is requested for a session that
	// is not awaiting approval.
	ErrNotPending = errors.New("session is not pending approval")
	// ErrTokenExpired is returned when a token is presented after its TTL.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalidated is returned when a token was superseded by a newer
	// issuance before it was consumed.
	ErrTokenInvalidated = errors.New("token invalidated")
	// ErrScopeMismatch is returned when the presented operation does not
	// match the scope the token was issued for.
	ErrScopeMismatch = errors.New("operation does not match token scope")
)

// Options configures a Gate.
type Options struct {
	// TTL is how long an issued token stays valid (default 15 minutes).
	TTL time.Duration
	// Logger receives issuance and denial logs; nil means a default logger.
	Logger *log.Logger
}

// Gate issues and consumes approval tokens. A token authorizes exactly one
// operation, within one session, once.
type Gate struct {
	store  *db.DB
	ttl    time.Duration
	logger *log.Logger
}

// NewGate creates a gate over the given store.
func NewGate(store *db.DB, opts Options) *Gate {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Gate{store: store, ttl: opts.TTL, logger: opts.Logger}
}

// TTL returns the configured token lifetime.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// ScopeFor builds the canonical scope string for a parsed command in a
// working directory. Issuance and consumption both derive the scope from the
// same parse, so an exact string compare is a semantic compare.
func ScopeFor(atoms []shellparse.Atom, cwd string) string {
	var b strings.Builder
	b.WriteString("cwd=")
	b.WriteString(cwd)
	b.WriteString(" cmd=")
	for i, a := range atoms {
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(string(a.Op))
			b.WriteString(" ")
		}
		b.WriteString(a.Program)
		for _, arg := range a.Args {
			b.WriteString(" ")
			b.WriteString(arg)
		}
	}
	return b.String()
}

// Request issues a token for a session that is pending approval. Any prior
// live token for the session is invalidated: a session holds at most one.
func (g *Gate) Request(sess *db.Session, scope string, pattern bool) (*db.Token, error) {
	if workflow.Phase(sess.Phase) != workflow.PhasePendingApproval {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotPending, sess.ID, sess.Phase)
	}
	if pattern {
		if _, err := compileScope(scope); err != nil {
			return nil, fmt.Errorf("invalid scope pattern: %w", err)
		}
	}

	tok := &db.Token{
		SessionID:    sess.ID,
		Scope:        scope,
		ScopePattern: pattern,
	}
	if err := g.store.CreateToken(tok); err != nil {
		return nil, err
	}

	g.logger.Info("issued approval token",
		"token", tok.ID, "session", sess.ID, "pattern", pattern)
	return tok, nil
}

// Consume validates and spends a token against an operation scope. Every
// failure leaves the token unspent except expiry and supersession, which are
// already terminal. Consumption itself is atomic; under concurrent presents
// exactly one caller succeeds.
func (g *Gate) Consume(tokenID, scope string) (*db.Token, error) {
	tok, err := g.store.GetToken(tokenID)
	if err != nil {
		return nil, err
	}

	if tok.Invalidated() {
		return nil, fmt.Errorf("%w: superseded at %s", ErrTokenInvalidated,
			tok.InvalidatedAt.Format(time.RFC3339))
	}
	if tok.Consumed() {
		return nil, db.ErrTokenConsumed
	}
	if time.Since(tok.IssuedAt) > g.ttl {
		return nil, fmt.Errorf("%w: issued at %s, ttl %s", ErrTokenExpired,
			tok.IssuedAt.Format(time.RFC3339), g.ttl)
	}

	ok, err := g.scopeMatches(tok, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		g.logger.Warn("scope mismatch on token consumption",
			"token", tok.ID, "session", tok.SessionID)
		return nil, fmt.Errorf("%w: token covers %q", ErrScopeMismatch, tok.Scope)
	}

	if err := g.store.ConsumeToken(tok.ID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tok.ConsumedAt = &now

	g.logger.Info("consumed approval token", "token", tok.ID, "session", tok.SessionID)
	return tok, nil
}

func (g *Gate) scopeMatches(tok *db.Token, scope string) (bool, error) {
	if !tok.ScopePattern {
		return tok.Scope == scope, nil
	}
	re, err := compileScope(tok.Scope)
	if err != nil {
		return false, fmt.Errorf("stored scope pattern is invalid: %w", err)
	}
	return re.MatchString(scope), nil
}

// compileScope anchors the pattern so a partial match cannot authorize a
// superset of the approved operation.
func compileScope(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern = pattern + "$"
	}
	return regexp.Compile(pattern)
}
