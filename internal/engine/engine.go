// Package engine evaluates tool calls against the rule tables, the session
// workflow, and the approval gate, and records every decision in the audit
// log.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Dicklesworthstone/cmdgate/internal/approval"
	"github.com/Dicklesworthstone/cmdgate/internal/audit"
	"github.com/Dicklesworthstone/cmdgate/internal/classify"
	"github.com/Dicklesworthstone/cmdgate/internal/db"
	"github.com/Dicklesworthstone/cmdgate/internal/rules"
	"github.com/Dicklesworthstone/cmdgate/internal/shellparse"
	"github.com/Dicklesworthstone/cmdgate/internal/workflow"
)

// Action is the gate's decision on a request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAsk   Action = "ask"
	ActionDeny  Action = "deny"
)

// Rule identifiers for decisions not produced by classification.
const (
	RuleDelegationMissingContext = "delegation-missing-context"
	RuleDenyCategory             = "deny-category"
	RuleSessionBlocked           = "session-blocked"
	RuleTokenAccepted            = "token-accepted"
)

// Request is one tool call presented to the gate.
type Request struct {
	// ToolName is the calling tool, e.g. "Bash" or "Task".
	ToolName string `json:"tool_name"`
	// Command is the raw shell command for command tools.
	Command string `json:"command"`
	// CWD is the working directory the command would run in.
	CWD string `json:"cwd"`
	// SessionID identifies the agent workflow session.
	SessionID string `json:"session_id"`
	// Prompt is the delegation prompt for delegation tools.
	Prompt string `json:"prompt,omitempty"`
	// TokenID, when set, presents an approval token for consumption.
	TokenID string `json:"token_id,omitempty"`
}

// Decision is the gate's answer to a request.
type Decision struct {
	ID             string         `json:"id"`
	Action         Action         `json:"action"`
	Tier           classify.Tier  `json:"tier,omitempty"`
	RuleID         string         `json:"rule_id,omitempty"`
	Category       rules.Category `json:"category,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Scope          string         `json:"scope,omitempty"`
	CompoundBypass bool           `json:"compound_bypass,omitempty"`
	SessionPhase   string         `json:"session_phase,omitempty"`
}

// Policy configures the tier-to-action mapping and outright denials.
type Policy struct {
	// TierActions maps a tier to allow, ask, or deny. Missing tiers default
	// to ask.
	TierActions map[string]string
	// DenyCategories lists block categories that are denied instead of
	// escalated to an approver.
	DenyCategories []string
	// DelegationTools are tool names whose calls are validated for
	// delegation context instead of classified as commands.
	DelegationTools []string
	// RequiredFields must be non-empty on delegation tool calls.
	RequiredFields []string
}

// DefaultPolicy matches the built-in configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		TierActions: map[string]string{
			"T0": "allow",
			"T1": "allow",
			"T2": "ask",
			"T3": "ask",
		},
		DenyCategories:  []string{string(rules.CategoryCredentialExposure)},
		DelegationTools: []string{"Task"},
		RequiredFields:  []string{"prompt", "session_id"},
	}
}

// Engine wires the classifier, the workflow tracker, the approval gate, and
// the audit recorder into one decision pipeline.
type Engine struct {
	classifier *classify.Classifier
	tracker    *workflow.Tracker
	gate       *approval.Gate
	recorder   *audit.Recorder
	policy     Policy
	logger     *log.Logger
}

// Options assembles an Engine. All components are required except Logger.
type Options struct {
	Classifier *classify.Classifier
	Tracker    *workflow.Tracker
	Gate       *approval.Gate
	Recorder   *audit.Recorder
	Policy     Policy
	Logger     *log.Logger
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if opts.Policy.TierActions == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Engine{
		classifier: opts.Classifier,
		tracker:    opts.Tracker,
		gate:       opts.Gate,
		recorder:   opts.Recorder,
		policy:     opts.Policy,
		logger:     opts.Logger,
	}, nil
}

// Evaluate decides one request. Every decision is audited, including denials;
// an audit write failure fails the evaluation rather than passing silently.
func (e *Engine) Evaluate(req *Request) (*Decision, error) {
	dec := &Decision{ID: uuid.New().String(), Action: ActionAsk}

	if e.isDelegationTool(req.ToolName) {
		e.evaluateDelegation(req, dec)
		return dec, e.record(req, dec)
	}

	sess, err := e.touchSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		dec.SessionPhase = sess.Phase
		if workflow.Phase(sess.Phase) == workflow.PhaseBlocked {
			dec.Action = ActionDeny
			dec.RuleID = RuleSessionBlocked
			dec.Reason = "session is blocked"
			return dec, e.record(req, dec)
		}
	}

	res := e.classifier.Classify(req.Command)
	dec.Tier = res.Tier
	dec.RuleID = res.RuleID
	dec.Category = res.Category
	dec.CompoundBypass = res.CompoundBypass

	if res.ParseFailed {
		dec.Action = ActionAsk
		dec.Reason = fmt.Sprintf("command could not be parsed: %v", res.ParseErr)
		dec.Scope = approval.ScopeFor(nil, req.CWD)
		if req.TokenID != "" {
			e.tryConsume(req, sess, dec)
		} else {
			e.moveToPending(sess, dec)
		}
		return dec, e.record(req, dec)
	}

	if e.isDeniedCategory(res.Category) {
		dec.Action = ActionDeny
		dec.RuleID = res.RuleID
		dec.Reason = fmt.Sprintf("category %s is denied by policy", res.Category)
		return dec, e.record(req, dec)
	}

	dec.Action = e.actionForTier(res.Tier)

	if dec.Action == ActionAsk {
		atoms := atomsOf(res)
		dec.Scope = approval.ScopeFor(atoms, req.CWD)

		if req.TokenID != "" {
			e.tryConsume(req, sess, dec)
		} else {
			e.moveToPending(sess, dec)
			dec.Reason = e.askReason(res)
		}
	}

	return dec, e.record(req, dec)
}

func (e *Engine) evaluateDelegation(req *Request, dec *Decision) {
	var missing []string
	for _, field := range e.policy.RequiredFields {
		switch field {
		case "prompt":
			if strings.TrimSpace(req.Prompt) == "" {
				missing = append(missing, field)
			}
		case "session_id":
			if strings.TrimSpace(req.SessionID) == "" {
				missing = append(missing, field)
			}
		case "cwd":
			if strings.TrimSpace(req.CWD) == "" {
				missing = append(missing, field)
			}
		}
	}

	if len(missing) > 0 {
		dec.Action = ActionDeny
		dec.RuleID = RuleDelegationMissingContext
		dec.Reason = fmt.Sprintf("delegation call missing required fields: %s", strings.Join(missing, ", "))
		return
	}
	dec.Action = ActionAllow
}

func (e *Engine) touchSession(id string) (*db.Session, error) {
	if id == "" {
		return nil, nil
	}
	return e.tracker.Touch(id)
}

// tryConsume spends the presented token. Success allows the command and moves
// the session into execution; any failure leaves the decision at ask with the
// failure as the reason, so the agent can re-request approval.
func (e *Engine) tryConsume(req *Request, sess *db.Session, dec *Decision) {
	tok, err := e.gate.Consume(req.TokenID, dec.Scope)
	if err != nil {
		dec.Action = ActionAsk
		dec.Reason = fmt.Sprintf("token rejected: %v", err)
		e.logger.Warn("token rejected", "token", req.TokenID, "err", err)
		e.moveToPending(sess, dec)
		return
	}

	dec.Action = ActionAllow
	dec.RuleID = RuleTokenAccepted
	dec.Reason = fmt.Sprintf("approved via token %s", tok.ID)

	if sess != nil && workflow.Phase(sess.Phase) == workflow.PhasePendingApproval {
		if err := e.tracker.Transition(sess, workflow.PhaseApprovedExecuting); err != nil {
			e.logger.Warn("transition to executing failed", "session", sess.ID, "err", err)
		}
		dec.SessionPhase = sess.Phase
	}
}

func (e *Engine) moveToPending(sess *db.Session, dec *Decision) {
	if sess == nil || workflow.Phase(sess.Phase) != workflow.PhaseInvestigating {
		return
	}
	if err := e.tracker.Transition(sess, workflow.PhasePendingApproval); err != nil {
		e.logger.Warn("transition to pending failed", "session", sess.ID, "err", err)
		return
	}
	dec.SessionPhase = sess.Phase
}

func (e *Engine) actionForTier(t classify.Tier) Action {
	if a, ok := e.policy.TierActions[string(t)]; ok {
		switch a {
		case "allow":
			return ActionAllow
		case "deny":
			return ActionDeny
		}
	}
	return ActionAsk
}

func (e *Engine) isDeniedCategory(cat rules.Category) bool {
	if cat == "" {
		return false
	}
	for _, c := range e.policy.DenyCategories {
		if c == string(cat) {
			return true
		}
	}
	return false
}

func (e *Engine) isDelegationTool(name string) bool {
	for _, t := range e.policy.DelegationTools {
		if t == name {
			return true
		}
	}
	return false
}

func (e *Engine) askReason(res *classify.Result) string {
	if res.CompoundBypass {
		return "compound command chains a restricted operation behind a benign prefix"
	}
	if res.RuleID == classify.RuleUnclassified {
		return "command is not on the safe list"
	}
	return fmt.Sprintf("matched rule %s", res.RuleID)
}

func atomsOf(res *classify.Result) []shellparse.Atom {
	atoms := make([]shellparse.Atom, 0, len(res.Verdicts))
	for _, v := range res.Verdicts {
		atoms = append(atoms, v.Atom)
	}
	return atoms
}

func (e *Engine) record(req *Request, dec *Decision) error {
	ev := &audit.Event{
		ID:        dec.ID,
		Kind:      audit.KindDecision,
		SessionID: req.SessionID,
		Command:   req.Command,
		CWD:       req.CWD,
		Tier:      string(dec.Tier),
		Action:    string(dec.Action),
		RuleID:    dec.RuleID,
		Category:  string(dec.Category),
		Compound:  dec.CompoundBypass,
		TokenID:   req.TokenID,
		Detail:    dec.Reason,
	}
	if err := e.recorder.Record(ev); err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}
	return nil
}

// Outcome values accepted by ReportOutcome.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// ReportOutcome records what happened after an allowed command ran and
// advances the session. A successful step returns the session to
// INVESTIGATING for the next step; an error counts toward the error cap.
func (e *Engine) ReportOutcome(decisionID, sessionID, outcome, detail string) error {
	switch outcome {
	case OutcomeSuccess, OutcomeError, OutcomeSkipped:
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	if err := e.recorder.RecordOutcome(decisionID, sessionID, outcome, detail); err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}

	if sessionID == "" {
		return nil
	}
	sess, err := e.tracker.Touch(sessionID)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			return nil
		}
		return err
	}

	switch outcome {
	case OutcomeSuccess:
		if workflow.Phase(sess.Phase) == workflow.PhaseApprovedExecuting {
			return e.tracker.Transition(sess, workflow.PhaseInvestigating)
		}
	case OutcomeError:
		return e.tracker.RecordError(sess)
	}
	return nil
}

// Complete marks a session finished.
func (e *Engine) Complete(sessionID string) error {
	sess, err := e.tracker.Touch(sessionID)
	if err != nil {
		return err
	}
	return e.tracker.Transition(sess, workflow.PhaseComplete)
}
