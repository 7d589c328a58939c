// Package rlog provides a rate-limited warning logger. Repeated identical
// warnings above a threshold are coalesced into a single "(suppressing
// further similar warnings)" line instead of flooding the log (spec §7).
package rlog

import (
	"log/slog"
	"sync"
	"time"
)

// Suppressor deduplicates repeated warning messages within a sliding window.
type Suppressor struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	now       func() time.Time

	entries map[string]*entry
}

type entry struct {
	count      int
	windowEnd  time.Time
	suppressed bool
}

// New creates a Suppressor that allows up to threshold occurrences of the
// same message within window before suppressing further repeats.
func New(threshold int, window time.Duration) *Suppressor {
	if threshold <= 0 {
		threshold = 1
	}
	return &Suppressor{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// Warn logs msg via slog.Warn unless the identical key has already been
// logged threshold times within the current window, in which case it is
// dropped after one "(suppressing further similar warnings)" notice.
func (s *Suppressor) Warn(key, msg string, args ...any) {
	s.mu.Lock()
	now := s.now()
	e, ok := s.entries[key]
	if !ok || now.After(e.windowEnd) {
		e = &entry{windowEnd: now.Add(s.window)}
		s.entries[key] = e
	}
	e.count++
	count := e.count
	alreadySuppressed := e.suppressed
	if count > s.threshold {
		e.suppressed = true
	}
	s.mu.Unlock()

	switch {
	case count <= s.threshold:
		slog.Warn(msg, args...)
	case !alreadySuppressed:
		slog.Warn(msg+" (suppressing further similar warnings)", args...)
	}
}

// Reset clears all suppression state, so the next warning for every key
// starts a fresh window.
func (s *Suppressor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}
