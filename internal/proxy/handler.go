package proxy

import (
	"sync"

	"github.com/sqlrelay/sqlrelay/internal/hint"
)

// sessionHandler is the routing.Handler bound to a session's
// routing.Engine: the Engine consults it for hint support, and it
// carries the lock-to-master latch (spec.md §4.4 Inputs). One is created
// per session alongside its Engine.
type sessionHandler struct {
	mu           sync.Mutex
	locked       bool
	hintsEnabled bool
}

func newSessionHandler(hintsEnabled bool) *sessionHandler {
	return &sessionHandler{hintsEnabled: hintsEnabled}
}

// LockToMaster implements routing.Handler by setting the latch that
// IsLockedToMaster reports. Nothing in this module calls it (LOCK TABLES
// and GET_LOCK are not detected), and the routing Engine does not
// consult the latch, so it does not pin statements to the master.
func (h *sessionHandler) LockToMaster() {
	h.mu.Lock()
	h.locked = true
	h.mu.Unlock()
}

// IsLockedToMaster implements routing.Handler.
func (h *sessionHandler) IsLockedToMaster() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// SupportsHint implements routing.Handler; hint scanning is either on
// or off for the whole proxy (routing.hints_enabled), not per-kind.
func (h *sessionHandler) SupportsHint(kind hint.Kind) bool {
	return h.hintsEnabled
}
