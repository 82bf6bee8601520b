// Package rules implements the declarative safe/blocked rule tables used for
// risk classification. Tables are data, not code: the built-in defaults can be
// extended from TOML files at startup, and matching is structured over
// normalized tokens rather than substring search.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Category groups blocked rules by the kind of damage they guard against.
type Category string

const (
	CategoryInfraApply         Category = "infrastructure-apply"
	CategoryClusterMutate      Category = "cluster-mutate"
	CategoryVCSForce           Category = "version-control-force"
	CategoryContainerPrune     Category = "container-prune"
	CategoryFSDelete           Category = "filesystem-recursive-delete"
	CategoryCredentialExposure Category = "credential-exposure"
)

// SafeRule allow-lists a read-only invocation shape.
//
// A rule matches when the program name matches and, if Verbs is set, the first
// non-flag argument is one of them. VerbAnywhere matches the verb at any
// non-flag position (gcloud-style trailing verbs); SubVerbPrefixes matches by
// prefix at the action position only, the first two non-flag tokens (aws-style
// "<service> <action>"), so option values cannot satisfy it. A match is still
// disqualified if any argument normalizes to a mutating verb, plain or
// hyphenated ("delete", "delete-table").
type SafeRule struct {
	ID              string   `toml:"id"`
	Program         string   `toml:"program"`
	Verbs           []string `toml:"verbs,omitempty"`
	VerbAnywhere    []string `toml:"verb_anywhere,omitempty"`
	SubVerbPrefixes []string `toml:"sub_verb_prefixes,omitempty"`
	Description     string   `toml:"description,omitempty"`
}

// BlockRule deny-lists a destructive invocation shape. All populated
// conditions must hold for the rule to match.
type BlockRule struct {
	ID            string   `toml:"id"`
	Category      Category `toml:"category"`
	Program       string   `toml:"program"`
	ProgramPrefix bool     `toml:"program_prefix,omitempty"`
	Verbs         []string `toml:"verbs,omitempty"`
	RequireArgs   []string `toml:"require_args,omitempty"`
	AnyArgs       []string `toml:"any_args,omitempty"`
	ArgPrefixes   []string `toml:"arg_prefixes,omitempty"`
	ArgSuffixes   []string `toml:"arg_suffixes,omitempty"`
	Flags         []string `toml:"flags,omitempty"`
	DryRunFlags   []string `toml:"dry_run_flags,omitempty"`
	Description   string   `toml:"description,omitempty"`
}

// Table holds both rule sets plus the global mutating-verb disqualifiers.
type Table struct {
	Version       string      `toml:"version"`
	MutatingVerbs []string    `toml:"mutating_verbs"`
	Safe          []SafeRule  `toml:"safe"`
	Blocked       []BlockRule `toml:"blocked"`
}

// BlockMatch is the result of deny-list matching for one sub-command.
type BlockMatch struct {
	Blocked  bool
	RuleID   string
	Category Category
	// DryRun is set when the matched rule recognizes a simulation flag on
	// this invocation, eligible for a tier downgrade.
	DryRun bool
}

// Load reads a rule table from a TOML file.
func Load(path string) (*Table, error) {
	var t Table
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decoding rule table %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("rule table %s: %w", path, err)
	}
	return &t, nil
}

// Merge appends another table's rules and mutating verbs onto t.
func (t *Table) Merge(extra *Table) {
	t.Safe = append(t.Safe, extra.Safe...)
	t.Blocked = append(t.Blocked, extra.Blocked...)
	t.MutatingVerbs = append(t.MutatingVerbs, extra.MutatingVerbs...)
}

func (t *Table) validate() error {
	for _, r := range t.Safe {
		if r.ID == "" || r.Program == "" {
			return fmt.Errorf("safe rule missing id or program: %+v", r)
		}
	}
	for _, r := range t.Blocked {
		if r.ID == "" || r.Category == "" {
			return fmt.Errorf("blocked rule missing id or category: %+v", r)
		}
	}
	return nil
}

// MatchSafe reports whether the invocation is unconditionally read-only.
// Absence of a match is not "unsafe"; the decision falls through to the
// classifier's other signals.
func (t *Table) MatchSafe(program string, args []string) (bool, string) {
	prog := normalizeProgram(program)
	for _, r := range t.Safe {
		if prog != r.Program {
			continue
		}
		if !safeShapeMatches(r, args) {
			continue
		}
		if _, disqualified := t.mutatingArg(args); disqualified {
			continue
		}
		return true, r.ID
	}
	return false, ""
}

// MatchBlocked reports whether the invocation matches a known-destructive
// pattern. A match here is unconditional and cannot be overridden by a safe
// signal on the same sub-command.
func (t *Table) MatchBlocked(program string, args []string) BlockMatch {
	prog := normalizeProgram(program)
	for _, r := range t.Blocked {
		if !programMatches(r, prog) {
			continue
		}
		if len(r.Verbs) > 0 && !contains(r.Verbs, firstVerb(args)) {
			continue
		}
		if !allArgsPresent(args, r.RequireArgs) {
			continue
		}
		if len(r.AnyArgs) > 0 && !anyArgPresent(args, r.AnyArgs) {
			continue
		}
		if len(r.ArgPrefixes) > 0 && !anyArgWithPrefix(args, r.ArgPrefixes) {
			continue
		}
		if len(r.ArgSuffixes) > 0 && !anyArgWithSuffix(args, r.ArgSuffixes) {
			continue
		}
		if len(r.Flags) > 0 && !anyFlagPresent(args, r.Flags) {
			continue
		}
		return BlockMatch{
			Blocked:  true,
			RuleID:   r.ID,
			Category: r.Category,
			DryRun:   len(r.DryRunFlags) > 0 && anyFlagPresent(args, r.DryRunFlags),
		}
	}
	return BlockMatch{}
}

// mutatingArg reports the first argument that normalizes to a mutating verb,
// either whole ("delete") or as the leading segment of a hyphenated action
// ("delete-table", "terminate-instances").
func (t *Table) mutatingArg(args []string) (string, bool) {
	for _, a := range args {
		n := normalizeArg(a)
		if contains(t.MutatingVerbs, n) {
			return a, true
		}
		if i := strings.IndexByte(n, '-'); i > 0 && contains(t.MutatingVerbs, n[:i]) {
			return a, true
		}
	}
	return "", false
}

// Hash returns a deterministic digest of the table for change detection.
func (t *Table) Hash() string {
	var lines []string
	for _, r := range t.Safe {
		lines = append(lines, fmt.Sprintf("safe:%s:%s:%s", r.ID, r.Program, strings.Join(r.Verbs, ",")))
	}
	for _, r := range t.Blocked {
		lines = append(lines, fmt.Sprintf("blocked:%s:%s:%s:%s", r.ID, r.Category, r.Program, strings.Join(r.Flags, ",")))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func safeShapeMatches(r SafeRule, args []string) bool {
	if len(r.Verbs) > 0 {
		return contains(r.Verbs, firstVerb(args))
	}
	if len(r.VerbAnywhere) > 0 {
		for _, a := range args {
			if isFlag(a) {
				continue
			}
			if contains(r.VerbAnywhere, strings.ToLower(a)) {
				return true
			}
		}
		return false
	}
	if len(r.SubVerbPrefixes) > 0 {
		// Only the action position counts. Scanning further would let an
		// option value like "--table-name list-users" satisfy a read prefix.
		seen := 0
		for _, a := range args {
			if isFlag(a) {
				continue
			}
			for _, p := range r.SubVerbPrefixes {
				if strings.HasPrefix(strings.ToLower(a), p) {
					return true
				}
			}
			seen++
			if seen == 2 {
				break
			}
		}
		return false
	}
	return true
}

func programMatches(r BlockRule, prog string) bool {
	if r.Program == "" {
		return true
	}
	if r.ProgramPrefix {
		return strings.HasPrefix(prog, r.Program)
	}
	return prog == r.Program
}

// normalizeProgram lowercases and strips any path prefix so /usr/bin/Kubectl
// matches a "kubectl" rule.
func normalizeProgram(program string) string {
	return strings.ToLower(filepath.Base(strings.TrimSpace(program)))
}

// normalizeArg lowercases, strips leading dashes, and drops any =value part.
func normalizeArg(arg string) string {
	a := strings.ToLower(strings.TrimLeft(arg, "-"))
	if i := strings.IndexByte(a, '='); i >= 0 {
		a = a[:i]
	}
	return a
}

// firstVerb returns the first non-flag argument, lowercased.
func firstVerb(args []string) string {
	for _, a := range args {
		if !isFlag(a) {
			return strings.ToLower(a)
		}
	}
	return ""
}

func isFlag(arg string) bool {
	return strings.HasPrefix(arg, "-")
}

func allArgsPresent(args, want []string) bool {
	for _, w := range want {
		if !argPresent(args, w) {
			return false
		}
	}
	return true
}

func anyArgPresent(args, want []string) bool {
	for _, w := range want {
		if argPresent(args, w) {
			return true
		}
	}
	return false
}

func argPresent(args []string, want string) bool {
	want = strings.ToLower(want)
	for _, a := range args {
		if strings.ToLower(a) == want {
			return true
		}
	}
	return false
}

func anyArgWithPrefix(args, prefixes []string) bool {
	for _, a := range args {
		la := strings.ToLower(a)
		for _, p := range prefixes {
			if strings.HasPrefix(la, p) {
				return true
			}
		}
	}
	return false
}

func anyArgWithSuffix(args, suffixes []string) bool {
	for _, a := range args {
		la := strings.ToLower(a)
		for _, s := range suffixes {
			if strings.HasSuffix(la, s) {
				return true
			}
		}
	}
	return false
}

// anyFlagPresent matches long flags exactly (including --flag=value forms)
// and short flags inside combined clusters, so "-rf" satisfies "-f".
func anyFlagPresent(args, flags []string) bool {
	for _, f := range flags {
		for _, a := range args {
			if a == f || strings.HasPrefix(a, f+"=") {
				return true
			}
			if isShortFlag(f) && isShortCluster(a) && strings.ContainsRune(a[1:], rune(f[1])) {
				return true
			}
		}
	}
	return false
}

func isShortFlag(f string) bool {
	return len(f) == 2 && f[0] == '-' && f[1] != '-'
}

func isShortCluster(a string) bool {
	if len(a) < 2 || a[0] != '-' || strings.HasPrefix(a, "--") {
		return false
	}
	for _, c := range a[1:] {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
