// Package audit writes an append-only JSONL record of every gate decision and
// execution outcome, partitioned into one file per UTC day.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind distinguishes decision events from outcome events.
type EventKind string

const (
	KindDecision EventKind = "decision"
	KindOutcome  EventKind = "outcome"
	KindApproval EventKind = "approval"
)

// Event is one audit record. Decision events capture the gate's verdict at
// evaluation time; outcome events are written later, after execution, and
// reference the decision by id.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	At         time.Time `json:"at"`
	SessionID  string    `json:"session_id,omitempty"`
	Command    string    `json:"command,omitempty"`
	CWD        string    `json:"cwd,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	Action     string    `json:"action,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	Compound   bool      `json:"compound_bypass,omitempty"`
	TokenID    string    `json:"token_id,omitempty"`
	DecisionID string    `json:"decision_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Recorder appends events to the day's partition file. Each event is one
// write(2) on an O_APPEND descriptor, so concurrent recorders interleave at
// line granularity and never corrupt each other's records.
type Recorder struct {
	dir string
	mu  sync.Mutex
}

// NewRecorder creates a recorder writing under dir, creating it if needed.
func NewRecorder(dir string) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Dir returns the audit directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Record appends one event, stamping ID and At if unset.
func (r *Recorder) Record(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.partitionPath(ev.At)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// RecordOutcome appends an outcome event referencing a prior decision. The
// decision record itself is never rewritten.
func (r *Recorder) RecordOutcome(decisionID, sessionID, outcome, detail string) error {
	return r.Record(&Event{
		Kind:       KindOutcome,
		DecisionID: decisionID,
		SessionID:  sessionID,
		Outcome:    outcome,
		Detail:     detail,
	})
}

func (r *Recorder) partitionPath(at time.Time) string {
	return filepath.Join(r.dir, at.UTC().Format("2006-01-02")+".jsonl")
}

// partitionFiles returns partition paths whose day overlaps [from, to],
// oldest first. Missing days are simply absent.
func (r *Recorder) partitionFiles(from, to time.Time) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading audit directory: %w", err)
	}

	fromDay := from.UTC().Truncate(24 * time.Hour)
	toDay := to.UTC().Truncate(24 * time.Hour)

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			continue
		}
		if day.Before(fromDay) || day.After(toDay) {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// scan streams events in [from, to] through fn, oldest first. A malformed
// line is skipped, not fatal; a partial trailing line from an in-flight
// append must not poison historical reads.
func (r *Recorder) scan(from, to time.Time, fn func(*Event) error) error {
	paths, err := r.partitionFiles(from, to)
	if err != nil {
		return err
	}

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening audit partition: %w", err)
		}

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var ev Event
			if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
				continue
			}
			if ev.At.Before(from) || ev.At.After(to) {
				continue
			}
			if err := fn(&ev); err != nil {
				f.Close()
				return err
			}
		}
		if err := sc.Err(); err != nil {
			f.Close()
			return fmt.Errorf("scanning audit partition %s: %w", filepath.Base(path), err)
		}
		f.Close()
	}
	return nil
}

// Stats is an aggregate view over a time window.
type Stats struct {
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Decisions  int            `json:"decisions"`
	Outcomes   int            `json:"outcomes"`
	Approvals  int            `json:"approvals"`
	ByTier     map[string]int `json:"by_tier"`
	ByAction   map[string]int `json:"by_action"`
	ByOutcome  map[string]int `json:"by_outcome"`
	ByCategory map[string]int `json:"by_category"`
	Bypasses   int            `json:"compound_bypasses"`
}

// Aggregate computes stats for the window ending now. The computation streams
// partitions one line at a time; memory stays flat regardless of history size.
func (r *Recorder) Aggregate(window time.Duration) (*Stats, error) {
	to := time.Now().UTC()
	from := to.Add(-window)

	st := &Stats{
		From:       from,
		To:         to,
		ByTier:     map[string]int{},
		ByAction:   map[string]int{},
		ByOutcome:  map[string]int{},
		ByCategory: map[string]int{},
	}

	err := r.scan(from, to, func(ev *Event) error {
		switch ev.Kind {
		case KindDecision:
			st.Decisions++
			if ev.Tier != "" {
				st.ByTier[ev.Tier]++
			}
			if ev.Action != "" {
				st.ByAction[ev.Action]++
			}
			if ev.Category != "" {
				st.ByCategory[ev.Category]++
			}
			if ev.Compound {
				st.Bypasses++
			}
		case KindOutcome:
			st.Outcomes++
			if ev.Outcome != "" {
				st.ByOutcome[ev.Outcome]++
			}
		case KindApproval:
			st.Approvals++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Tail returns the most recent n events, newest last.
func (r *Recorder) Tail(n int) ([]*Event, error) {
	if n <= 0 {
		return nil, nil
	}

	// Walk partitions newest-first until n events are gathered.
	paths, err := r.partitionFiles(time.Time{}, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	var out []*Event
	for i := len(paths) - 1; i >= 0 && len(out) < n; i-- {
		events, err := readPartition(paths[i])
		if err != nil {
			return nil, err
		}
		for j := len(events) - 1; j >= 0 && len(out) < n; j-- {
			out = append(out, events[j])
		}
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func readPartition(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit partition: %w", err)
	}
	defer f.Close()

	var events []*Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scanning audit partition %s: %w", filepath.Base(path), err)
	}
	return events, nil
}
