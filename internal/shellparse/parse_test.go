package shellparse

import (
	"errors"
	"testing"
)

func TestParse_SingleCommand(t *testing.T) {
	atoms, err := Parse("kubectl get pods -n default")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms) != 1 {
		t.Fatalf("expected 1 atom, got %d", len(atoms))
	}
	a := atoms[0]
	if a.Program != "kubectl" {
		t.Fatalf("program=%q", a.Program)
	}
	if len(a.Args) != 3 || a.Args[0] != "get" || a.Args[1] != "pods" || a.Args[2] != "-n" {
		t.Fatalf("args=%v", a.Args)
	}
	if a.Op != OpNone {
		t.Fatalf("op=%q", a.Op)
	}
}

func TestParse_Operators(t *testing.T) {
	cases := []struct {
		raw  string
		ops  []Op
		prog []string
	}{
		{"ls | grep foo", []Op{OpNone, OpPipe}, []string{"ls", "grep"}},
		{"ls; pwd", []Op{OpNone, OpSeq}, []string{"ls", "pwd"}},
		{"make && make install", []Op{OpNone, OpAnd}, []string{"make", "make"}},
		{"test -f x || touch x", []Op{OpNone, OpOr}, []string{"test", "touch"}},
		{"a | b && c; d", []Op{OpNone, OpPipe, OpAnd, OpSeq}, []string{"a", "b", "c", "d"}},
	}
	for _, tc := range cases {
		atoms, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.raw, err)
		}
		if len(atoms) != len(tc.ops) {
			t.Fatalf("Parse(%q): %d atoms, want %d", tc.raw, len(atoms), len(tc.ops))
		}
		for i, a := range atoms {
			if a.Op != tc.ops[i] {
				t.Fatalf("Parse(%q): atom %d op=%q want %q", tc.raw, i, a.Op, tc.ops[i])
			}
			if a.Program != tc.prog[i] {
				t.Fatalf("Parse(%q): atom %d program=%q want %q", tc.raw, i, a.Program, tc.prog[i])
			}
		}
	}
}

func TestParse_QuotedOperatorsAreLiteral(t *testing.T) {
	atoms, err := Parse(`echo "a | b && c"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms) != 1 {
		t.Fatalf("expected 1 atom, got %d", len(atoms))
	}
	if len(atoms[0].Args) != 1 || atoms[0].Args[0] != "a | b && c" {
		t.Fatalf("args=%v", atoms[0].Args)
	}

	atoms, err = Parse(`grep 'x;y' file`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms) != 1 {
		t.Fatalf("expected 1 atom, got %d", len(atoms))
	}
}

func TestParse_Redirections(t *testing.T) {
	atoms, err := Parse("echo hi > out.txt")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms) != 1 {
		t.Fatalf("expected 1 atom, got %d", len(atoms))
	}
	if len(atoms[0].Redirections) != 1 || atoms[0].Redirections[0] != ">" {
		t.Fatalf("redirections=%v", atoms[0].Redirections)
	}
	// The target stays visible as an argument.
	if atoms[0].Args[len(atoms[0].Args)-1] != "out.txt" {
		t.Fatalf("args=%v", atoms[0].Args)
	}

	atoms, err = Parse("cmd 2>errs >>log")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := atoms[0].Redirections
	if len(got) != 2 || got[0] != "2>" || got[1] != ">>" {
		t.Fatalf("redirections=%v", got)
	}
}

func TestParse_DescriptorDuplication(t *testing.T) {
	atoms, err := Parse("kubectl get pods 2>&1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms) != 1 {
		t.Fatalf("expected 1 atom, got %d", len(atoms))
	}
	if len(atoms[0].Redirections) != 1 || atoms[0].Redirections[0] != "2>&1" {
		t.Fatalf("redirections=%v", atoms[0].Redirections)
	}
	if atoms[0].Program != "kubectl" || len(atoms[0].Args) != 2 {
		t.Fatalf("argv=%s %v", atoms[0].Program, atoms[0].Args)
	}

	atoms, err = Parse("make test > build.log 2>&1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := atoms[0].Redirections
	if len(got) != 2 || got[0] != ">" || got[1] != "2>&1" {
		t.Fatalf("redirections=%v", got)
	}

	atoms, err = Parse("echo done >&2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms[0].Redirections) != 1 || atoms[0].Redirections[0] != ">&2" {
		t.Fatalf("redirections=%v", atoms[0].Redirections)
	}
}

func TestParse_Substitution(t *testing.T) {
	cases := []string{
		"echo $(whoami)",
		"echo `whoami`",
		`echo "` + "`id`" + `"`,
	}
	for _, raw := range cases {
		atoms, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if !atoms[0].HasSubstitution {
			t.Fatalf("Parse(%q): expected substitution flag", raw)
		}
	}

	atoms, err := Parse("echo '$(whoami)'")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if atoms[0].HasSubstitution {
		t.Fatalf("single-quoted substitution should be literal")
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"", ErrEmptyCommand},
		{"   ", ErrEmptyCommand},
		{`echo "unterminated`, ErrUnbalancedQuotes},
		{"echo trailing\\", ErrUnbalancedQuotes},
		{"ls | ", ErrEmptySegment},
		{"| grep x", ErrEmptySegment},
		{"ls &", ErrUnsupportedOperator},
		{"server & tail -f log", ErrUnsupportedOperator},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.raw); !errors.Is(err, tc.want) {
			t.Fatalf("Parse(%q): err=%v want %v", tc.raw, err, tc.want)
		}
	}
}

func TestParse_AmpersandRedirect(t *testing.T) {
	atoms, err := Parse("cmd &> all.log")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(atoms[0].Redirections) != 1 || atoms[0].Redirections[0] != "&>" {
		t.Fatalf("redirections=%v", atoms[0].Redirections)
	}
}
