package session

import (
	"fmt"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/routing"
)

// TraceEvent is one compact entry in a session's statement trace log
// (spec.md §4.2, supplemented per SPEC_FULL.md §6 — present in
// original_source's session.hh trace members but only mentioned in
// passing by spec.md).
type TraceEvent struct {
	At        time.Time
	Canonical string
	Target    routing.Target
	TypeMask  string
}

// TraceLog is a fixed-size circular buffer of the most recent statement
// events for one session, dumped on close or error (spec.md §4.2
// "Statement retention").
type TraceLog struct {
	events []TraceEvent
	cap    int
	next   int
	filled bool
}

// NewTraceLog creates a trace log retaining the last depth events. depth
// <= 0 disables retention entirely.
func NewTraceLog(depth int) *TraceLog {
	if depth < 0 {
		depth = 0
	}
	return &TraceLog{events: make([]TraceEvent, depth), cap: depth}
}

// Record appends one event, overwriting the oldest once the log is full.
func (t *TraceLog) Record(ev TraceEvent) {
	if t.cap == 0 {
		return
	}
	t.events[t.next] = ev
	t.next = (t.next + 1) % t.cap
	if t.next == 0 {
		t.filled = true
	}
}

// Recent returns the retained events in chronological order (oldest
// first).
func (t *TraceLog) Recent() []TraceEvent {
	if t.cap == 0 {
		return nil
	}
	if !t.filled {
		out := make([]TraceEvent, t.next)
		copy(out, t.events[:t.next])
		return out
	}
	out := make([]TraceEvent, t.cap)
	copy(out, t.events[t.next:])
	copy(out[t.cap-t.next:], t.events[:t.next])
	return out
}

// Dump renders the trace log as compact one-line-per-event text, for the
// log sink on connection close or error (spec.md §4.2).
func (t *TraceLog) Dump() []string {
	events := t.Recent()
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = fmt.Sprintf("%s target=%s type=%s sql=%q", e.At.Format(time.RFC3339Nano), e.Target, e.TypeMask, e.Canonical)
	}
	return lines
}
