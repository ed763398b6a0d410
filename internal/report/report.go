// Package report carries per-task outcomes and progress events out of the
// worker pools and folds them into per-stage summaries.
package report

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names a pipeline phase.
type Stage string

const (
	StageDownload Stage = "download"
	StageProcess  Stage = "process"
)

// Status is the state carried by an Event.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRetrying  Status = "retrying"
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Event is a progress notification from a worker.
type Event struct {
	Stage   Stage
	Key     string // task stamp, e.g. 20060101
	Status  Status
	Attempt int
	Path    string
	Err     error
	Elapsed time.Duration
	Time    time.Time
}

// Observer receives events. Implementations must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Multi fans an event out to every non-nil observer.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

// Outcome is the final result of one task or archive.
type Outcome struct {
	Stage    Stage
	Key      string
	Path     string
	OK       bool
	Skipped  bool // satisfied without doing the work
	Attempts int
	Err      error
	Elapsed  time.Duration
}

// Retried is true for a success that needed more than one attempt.
func (o Outcome) Retried() bool {
	return o.OK && o.Attempts > 1
}

// Event converts the outcome into its terminal event.
func (o Outcome) Event() Event {
	status := StatusSucceeded
	switch {
	case !o.OK:
		status = StatusFailed
	case o.Skipped:
		status = StatusSkipped
	}
	return Event{
		Stage:   o.Stage,
		Key:     o.Key,
		Status:  status,
		Attempt: o.Attempts,
		Path:    o.Path,
		Err:     o.Err,
		Elapsed: o.Elapsed,
		Time:    time.Now(),
	}
}

// Summary aggregates one stage's outcomes.
type Summary struct {
	Stage     Stage
	Total     int
	Succeeded int // includes Skipped and Retried
	Skipped   int
	Retried   int
	Failed    int
	Failures  []Outcome // sorted by key
}

// OK is true when no outcome failed.
func (s Summary) OK() bool { return s.Failed == 0 }

func (s Summary) String() string {
	if s.Failed == 0 {
		return fmt.Sprintf("%s: all %d succeeded (%d skipped, %d retried)", s.Stage, s.Total, s.Skipped, s.Retried)
	}
	return fmt.Sprintf("%s: %d of %d failed", s.Stage, s.Failed, s.Total)
}

// FailureReport lists each failure on its own line.
func (s Summary) FailureReport() string {
	var b strings.Builder
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "  %s: %v\n", f.Key, f.Err)
	}
	return b.String()
}

// Tally collects outcomes from concurrent workers.
type Tally struct {
	stage    Stage
	mu       sync.Mutex
	outcomes []Outcome
}

func NewTally(stage Stage) *Tally {
	return &Tally{stage: stage}
}

// Add records an outcome.
func (t *Tally) Add(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = append(t.outcomes, o)
}

// Outcomes returns a copy of everything recorded, sorted by key.
func (t *Tally) Outcomes() []Outcome {
	t.mu.Lock()
	out := append([]Outcome(nil), t.outcomes...)
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Summary folds the recorded outcomes.
func (t *Tally) Summary() Summary {
	s := Summary{Stage: t.stage}
	for _, o := range t.Outcomes() {
		s.Total++
		if !o.OK {
			s.Failed++
			s.Failures = append(s.Failures, o)
			continue
		}
		s.Succeeded++
		if o.Skipped {
			s.Skipped++
		}
		if o.Retried() {
			s.Retried++
		}
	}
	return s
}
