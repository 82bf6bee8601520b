// Package shellparse decomposes raw shell command strings into atomic
// sub-commands for classification. It recognizes pipe, sequencing, and
// conditional operators outside quoted strings and refuses to guess on
// input it cannot tokenize.
package shellparse

import (
	"errors"
	"fmt"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// Parse errors. Callers must treat any of these as fail-closed.
var (
	ErrEmptyCommand        = errors.New("empty command")
	ErrUnbalancedQuotes    = errors.New("unbalanced quotes")
	ErrEmptySegment        = errors.New("empty segment around operator")
	ErrUnsupportedOperator = errors.New("unsupported shell operator")
)

// Op is the compositional operator linking an atom to its predecessor.
type Op string

const (
	OpNone Op = ""
	OpPipe Op = "|"
	OpSeq  Op = ";"
	OpAnd  Op = "&&"
	OpOr   Op = "||"
)

// Atom is one command with no remaining compositional operators.
type Atom struct {
	// Raw is the original segment text, trimmed.
	Raw string
	// Program is the invoked program (argv[0]).
	Program string
	// Args are the remaining argv tokens.
	Args []string
	// Op links this atom to the previous one (OpNone for the first).
	Op Op
	// Redirections lists redirection operators stripped from the segment
	// (">", ">>", "<", "2>", "&>", "2>&1"). Redirection is a classification
	// signal, not a reason to split.
	Redirections []string
	// HasSubstitution is set when the segment contains command substitution
	// ($( or backtick) outside single quotes.
	HasSubstitution bool
}

// segment is an operator-delimited slice of the raw command under construction.
type segment struct {
	text    strings.Builder
	op      Op
	redirs  []string
	subst   bool
}

// Parse splits a raw command string into ordered atoms.
//
// Operator characters inside single or double quotes are literal. A lone "&"
// (backgrounding) and unbalanced quoting are rejected rather than guessed at.
func Parse(raw string) ([]Atom, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyCommand
	}

	segs := []*segment{{}}
	cur := func() *segment { return segs[len(segs)-1] }

	var inSingle, inDouble, escaped bool
	runes := []rune(raw)

	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if escaped {
			cur().text.WriteRune('\\')
			cur().text.WriteRune(c)
			escaped = false
			continue
		}

		switch {
		case c == '\\' && !inSingle:
			escaped = true
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		}

		if inSingle || inDouble {
			// Backticks and $( execute even inside double quotes.
			if inDouble && (c == '`' || (c == '$' && next(runes, i) == '(')) {
				cur().subst = true
			}
			cur().text.WriteRune(c)
			continue
		}

		switch c {
		case '|':
			if next(runes, i) == '|' {
				segs = append(segs, &segment{op: OpOr})
				i++
			} else {
				segs = append(segs, &segment{op: OpPipe})
			}
			continue
		case ';':
			segs = append(segs, &segment{op: OpSeq})
			continue
		case '&':
			if next(runes, i) == '&' {
				segs = append(segs, &segment{op: OpAnd})
				i++
				continue
			}
			if next(runes, i) == '>' {
				cur().redirs = append(cur().redirs, "&>")
				cur().text.WriteRune(' ')
				i++
				continue
			}
			// Lone & backgrounds the command; refuse rather than misparse.
			return nil, fmt.Errorf("%w: '&' at position %d", ErrUnsupportedOperator, i)
		case '>':
			op := ">"
			if next(runes, i) == '>' {
				op = ">>"
				i++
			}
			// Fold a preceding fd digit ("2>") into the operator.
			if t := cur().text.String(); strings.HasSuffix(t, "2") && (len(t) == 1 || t[len(t)-2] == ' ') {
				op = "2" + op
				trimLastRune(&cur().text)
			}
			// Fold a descriptor target ("2>&1", ">&2") into the operator.
			if next(runes, i) == '&' && isDigit(next(runes, i+1)) {
				op += "&" + string(next(runes, i+1))
				i += 2
			}
			cur().redirs = append(cur().redirs, op)
			cur().text.WriteRune(' ')
			continue
		case '<':
			cur().redirs = append(cur().redirs, "<")
			cur().text.WriteRune(' ')
			continue
		case '`':
			cur().subst = true
			cur().text.WriteRune(c)
			continue
		case '$':
			if next(runes, i) == '(' {
				cur().subst = true
			}
			cur().text.WriteRune(c)
			continue
		}

		cur().text.WriteRune(c)
	}

	if escaped {
		return nil, fmt.Errorf("%w: trailing backslash", ErrUnbalancedQuotes)
	}
	if inSingle || inDouble {
		return nil, ErrUnbalancedQuotes
	}

	atoms := make([]Atom, 0, len(segs))
	for _, s := range segs {
		text := strings.TrimSpace(s.text.String())
		if text == "" {
			return nil, ErrEmptySegment
		}
		argv, err := tokenize(text)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, ErrEmptySegment
		}
		atoms = append(atoms, Atom{
			Raw:             text,
			Program:         argv[0],
			Args:            argv[1:],
			Op:              s.op,
			Redirections:    s.redirs,
			HasSubstitution: s.subst,
		})
	}

	return atoms, nil
}

// tokenize splits one operator-free segment into argv.
func tokenize(text string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	argv, err := p.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnbalancedQuotes, err)
	}
	return argv, nil
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func next(runes []rune, i int) rune {
	if i+1 < len(runes) {
		return runes[i+1]
	}
	return 0
}

func trimLastRune(b *strings.Builder) {
	s := b.String()
	if s == "" {
		return
	}
	b.Reset()
	b.WriteString(s[:len(s)-1])
}
