// Package classify assigns a security tier to a raw command by combining
// parser output with the safe/blocked rule tables and contextual signals.
package classify

import (
	"github.com/Dicklesworthstone/cmdgate/internal/rules"
	"github.com/Dicklesworthstone/cmdgate/internal/shellparse"
)

// Tier is the escalating classification of a command's potential impact.
type Tier string

const (
	// TierT0 is read-only.
	TierT0 Tier = "T0"
	// TierT1 mutates local state only.
	TierT1 Tier = "T1"
	// TierT2 mutates remote state reversibly, or is unknown.
	TierT2 Tier = "T2"
	// TierT3 is irreversible.
	TierT3 Tier = "T3"
)

// Severity orders tiers for max-wins comparison.
func (t Tier) Severity() int {
	switch t {
	case TierT0:
		return 0
	case TierT1:
		return 1
	case TierT2:
		return 2
	case TierT3:
		return 3
	default:
		// Unknown tier strings are treated as medium risk, never as safe.
		return 2
	}
}

// MaxTier returns the more severe of two tiers.
func MaxTier(a, b Tier) Tier {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Rule identifiers for verdicts not produced by a table rule.
const (
	RuleParseError    = "parse-error"
	RuleUnclassified  = "default-unclassified"
	RuleRedirection   = "redirection-signal"
	RuleSubstitution  = "command-substitution"
	RuleCompoundChain = "compound-chain"
)

// Verdict is the classification of one atomic sub-command.
type Verdict struct {
	Atom             shellparse.Atom
	Tier             Tier
	MatchedBlocklist bool
	RuleID           string
	Category         rules.Category
	DryRun           bool
}

// Result is the classification of a whole raw command. The final tier is
// never weaker than the tier of the single worst sub-command.
type Result struct {
	Tier     Tier
	Verdicts []Verdict
	// RuleID explains the final tier for audit and approver display.
	RuleID   string
	Category rules.Category
	// CompoundBypass flags operator composition that could hide a risky
	// sub-command behind a benign-looking prefix.
	CompoundBypass bool
	// ParseFailed is set when the raw command could not be decomposed;
	// classification fails closed to T3.
	ParseFailed bool
	ParseErr    error
}

// Classifier classifies commands against a rule table. The table is read-only
// input; classifying the same command twice yields identical results.
type Classifier struct {
	table *rules.Table
}

// New creates a classifier over the given table.
func New(table *rules.Table) *Classifier {
	if table == nil {
		table = rules.Default()
	}
	return &Classifier{table: table}
}

// Table exposes the rule table in use (for export and display).
func (c *Classifier) Table() *rules.Table {
	return c.table
}

// Classify decomposes raw and assigns one final tier.
func (c *Classifier) Classify(raw string) *Result {
	atoms, err := shellparse.Parse(raw)
	if err != nil {
		return &Result{
			Tier:        TierT3,
			RuleID:      RuleParseError,
			ParseFailed: true,
			ParseErr:    err,
		}
	}

	res := &Result{Tier: TierT0, Verdicts: make([]Verdict, 0, len(atoms))}

	for _, atom := range atoms {
		v := c.classifyAtom(atom)
		res.Verdicts = append(res.Verdicts, v)

		if v.Tier.Severity() > res.Tier.Severity() {
			res.Tier = v.Tier
			res.RuleID = v.RuleID
			res.Category = v.Category
		}
	}

	// Operator composition that could hide a risky sub-command behind a
	// benign-looking prefix: a blocked operation anywhere in a chain, or a
	// pipe feeding a mutating command, is a bypass attempt. The benign
	// segments cannot launder the dangerous one.
	if len(atoms) > 1 {
		for i, v := range res.Verdicts {
			hidden := v.MatchedBlocklist && i > 0
			pipedMutation := v.Atom.Op == shellparse.OpPipe && v.Tier.Severity() >= TierT2.Severity()
			if hidden || pipedMutation {
				res.CompoundBypass = true
				res.Tier = MaxTier(res.Tier, TierT2)
				if res.RuleID == "" {
					res.RuleID = RuleCompoundChain
				}
				break
			}
		}
	}

	if res.RuleID == "" && res.Tier == TierT0 {
		// Entirely safe-listed; surface the first safe rule for the audit trail.
		res.RuleID = res.Verdicts[0].RuleID
	}

	return res
}

func (c *Classifier) classifyAtom(atom shellparse.Atom) Verdict {
	v := Verdict{Atom: atom}

	if m := c.table.MatchBlocked(atom.Program, atom.Args); m.Blocked {
		v.MatchedBlocklist = true
		v.RuleID = m.RuleID
		v.Category = m.Category
		v.DryRun = m.DryRun
		v.Tier = TierT3
		if m.DryRun {
			// A recognized simulation flag makes the operation previewable.
			v.Tier = TierT2
		}
		return v
	}

	if ok, ruleID := c.table.MatchSafe(atom.Program, atom.Args); ok {
		v.Tier = TierT0
		v.RuleID = ruleID
	} else {
		// Unknown is medium risk, never silently safe.
		v.Tier = TierT2
		v.RuleID = RuleUnclassified
	}

	// Redirection can exfiltrate or overwrite data: force at least T2.
	// Pure descriptor duplication ("2>&1", ">&2") writes no file and is
	// exempt.
	if hasFileRedirection(atom.Redirections) && v.Tier.Severity() < TierT2.Severity() {
		v.Tier = TierT2
		v.RuleID = RuleRedirection
	}
	// Command substitution hides an inner command from token-level review.
	if atom.HasSubstitution && v.Tier.Severity() < TierT2.Severity() {
		v.Tier = TierT2
		v.RuleID = RuleSubstitution
	}

	return v
}

// hasFileRedirection reports whether any redirection targets a file rather
// than duplicating a descriptor.
func hasFileRedirection(redirs []string) bool {
	for _, r := range redirs {
		n := len(r)
		if n >= 2 && r[n-2] == '&' && r[n-1] >= '0' && r[n-1] <= '9' {
			continue
		}
		return true
	}
	return false
}
