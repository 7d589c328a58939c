package rlog

import (
	"testing"
	"time"
)

func TestSuppressorCoalescesRepeats(t *testing.T) {
	s := New(2, time.Minute)
	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	// First two should log normally, the rest within the window coalesce
	// into exactly one "suppressing" notice (Warn itself doesn't report
	// whether it printed, so we assert on the count bookkeeping instead).
	for i := 0; i < 5; i++ {
		s.Warn("conn-refused", "backend unreachable")
	}

	s.mu.Lock()
	e := s.entries["conn-refused"]
	s.mu.Unlock()
	if e == nil {
		t.Fatal("expected entry to be recorded")
	}
	if e.count != 5 {
		t.Errorf("expected count 5, got %d", e.count)
	}
	if !e.suppressed {
		t.Error("expected entry to be marked suppressed after threshold")
	}
}

func TestSuppressorResetsAfterWindow(t *testing.T) {
	s := New(1, time.Second)
	cur := time.Now()
	s.now = func() time.Time { return cur }

	s.Warn("k", "first")
	s.Warn("k", "second")

	cur = cur.Add(2 * time.Second)
	s.Warn("k", "third")

	s.mu.Lock()
	e := s.entries["k"]
	s.mu.Unlock()
	if e.count != 1 {
		t.Errorf("expected window reset to restart count at 1, got %d", e.count)
	}
}

func TestSuppressorDistinctKeys(t *testing.T) {
	s := New(1, time.Minute)
	s.Warn("a", "msg a")
	s.Warn("b", "msg b")

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) != 2 {
		t.Errorf("expected 2 independent entries, got %d", len(s.entries))
	}
}
