// Package session implements the per-client Session: its lifecycle,
// reference counting, the filter/router Downstream/Upstream pipeline,
// session-variable interception, transaction-state bookkeeping, and
// statement retention (spec.md §4.2).
package session

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sqlrelay/sqlrelay/internal/buffer"
	"github.com/sqlrelay/sqlrelay/internal/routing"
)

// State is the session lifecycle (spec.md §3/§4.2).
type State int

const (
	StateCreated State = iota
	StateStarted
	StateStopping
	StateFree
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateFree:
		return "free"
	default:
		return "unknown"
	}
}

// CloseReason is the typed taxonomy of why a session was torn down
// (spec.md §4.2).
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseTimeout
	CloseHandleErrorFailed
	CloseRoutingFailed
	CloseKilled
	CloseTooManyConnections
)

func (r CloseReason) String() string {
	switch r {
	case CloseNone:
		return "none"
	case CloseTimeout:
		return "timeout"
	case CloseHandleErrorFailed:
		return "handle_error_failed"
	case CloseRoutingFailed:
		return "routing_failed"
	case CloseKilled:
		return "killed"
	case CloseTooManyConnections:
		return "too_many_connections"
	default:
		return "unknown"
	}
}

var nextSessionID uint64

func allocSessionID() uint64 { return atomic.AddUint64(&nextSessionID, 1) }

// VarHandler processes one intercepted "@sqlrelay.foo" session variable
// read/write. It returns a diagnostic string on error, which is
// forwarded to the client verbatim (spec.md §4.2).
type VarHandler func(s *Session, name, value string) (diagnostic string, err error)

// Session is one client connection's routing/filter state. All mutation
// happens on the owning worker's thread; the reference count is the one
// piece of state other threads may touch (via Ref/Unref), guarded
// atomically.
type Session struct {
	ID      uint64
	User    string
	Host    string
	Service string

	mu    sync.Mutex
	state State
	ref   int32

	closeReason CloseReason

	head Downstream // first filter (or router if no filters)
	tail Upstream   // first upstream hop from the router side

	Routing *routing.Engine

	varPrefix string
	varsMu    sync.RWMutex
	vars      map[string]VarHandler

	Trace *TraceLog

	pendingDelayedRoute bool
}

// New creates a session in the CREATED state. varPrefix is the
// dotted-name prefix session-variable interception matches against
// (spec.md §4.2 generalizes "@maxscale." to a configurable prefix);
// pass "sqlrelay" for the default.
func New(user, host, service, varPrefix string, routingEngine *routing.Engine, traceDepth int) *Session {
	return &Session{
		ID:        allocSessionID(),
		User:      user,
		Host:      host,
		Service:   service,
		state:     StateCreated,
		ref:       0,
		Routing:   routingEngine,
		varPrefix: strings.ToLower(varPrefix),
		vars:      make(map[string]VarHandler),
		Trace:     NewTraceLog(traceDepth),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns the recorded close reason, valid once Stopping.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Start wires head/tail and transitions CREATED -> STARTED. Must be
// called exactly once, after authentication (spec.md §4.2
// session_start). Returns false if head is nil (a service with no
// router cannot start).
func (s *Session) Start(head Downstream, tail Upstream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated || head == nil {
		return false
	}
	s.head = head
	s.tail = tail
	s.state = StateStarted
	return true
}

// Ref increments the reference count and returns true, unless the
// session is already STOPPING or FREE (spec.md §8 universal invariant:
// "attempting to obtain a ref while T∈{STOPPING, FREE} returns NULL").
func (s *Session) Ref() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateFree {
		return false
	}
	s.ref++
	return true
}

// Unref decrements the reference count. If it reaches zero while the
// session is STOPPING, the session transitions to FREE and onFree (if
// set) runs exactly once.
func (s *Session) Unref(onFree func()) {
	s.mu.Lock()
	s.ref--
	shouldFree := s.ref <= 0 && s.state == StateStopping
	if shouldFree {
		s.state = StateFree
	}
	s.mu.Unlock()

	if shouldFree && onFree != nil {
		onFree()
	}
}

// RefCount reports the current reference count (for diagnostics/tests).
func (s *Session) RefCount() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// Kill begins idempotent teardown: the first call to transition to
// STOPPING wins; subsequent calls are no-ops (spec.md §4.2 kill,
// "concurrent close requests are idempotent").
func (s *Session) Kill(reason CloseReason) (didTransition bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopping || s.state == StateFree {
		return false
	}
	s.state = StateStopping
	s.closeReason = reason
	return true
}

// RouteQuery drives a complete incoming command packet through the
// filter/router chain, starting at head (spec.md §4.2 route_query).
func (s *Session) RouteQuery(buf *buffer.Buffer) bool {
	if s.head == nil {
		return false
	}
	return s.head.RouteQuery(s, buf)
}

// RouteReply drives a backend reply buffer up through the upstream
// chain in reverse (spec.md §4.2 route_reply).
func (s *Session) RouteReply(buf *buffer.Buffer, source any) bool {
	if s.tail == nil {
		return false
	}
	return s.tail.RouteReply(s, buf, source)
}

// RegisterVar installs a handler for one session variable name. Names
// are lowercased on registration, matching lookup's lowercasing
// (spec.md §4.2).
func (s *Session) RegisterVar(name string, h VarHandler) {
	s.varsMu.Lock()
	defer s.varsMu.Unlock()
	s.vars[strings.ToLower(name)] = h
}

// matchVar matches "@<prefix>.name[.name...]", e.g. "@sqlrelay.cache.clear",
// returning the lowercased name with the prefix stripped ("cache.clear").
func (s *Session) matchVar(sql string) (name string, value string, isVar bool) {
	trimmed := strings.TrimSpace(sql)
	lower := strings.ToLower(trimmed)
	marker := "@" + s.varPrefix + "."
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return "", "", false
	}
	rest := trimmed[idx+len(marker):]
	end := strings.IndexAny(rest, " \t\n=;")
	name = rest
	if end >= 0 {
		name = rest[:end]
	}

	value = ""
	if eq := strings.IndexByte(trimmed[idx:], '='); eq >= 0 {
		value = strings.TrimSpace(trimmed[idx+eq+1:])
		value = strings.Trim(value, "'\";")
	}
	return strings.ToLower(name), value, true
}

// InterceptVar checks sql for a "@<prefix>.name" reference and, if one
// matches a registered handler, invokes it synchronously, returning the
// handler's diagnostic (if any) and true. Returns false (with no
// diagnostic) when no session variable is referenced, meaning the
// statement should proceed through the normal pipeline.
func (s *Session) InterceptVar(sql string) (diagnostic string, handled bool) {
	name, value, isVar := s.matchVar(sql)
	if !isVar {
		return "", false
	}
	s.varsMu.RLock()
	h, ok := s.vars[name]
	s.varsMu.RUnlock()
	if !ok {
		return "", false
	}
	diag, err := h(s, name, value)
	if err != nil {
		if diag == "" {
			diag = err.Error()
		}
		return diag, true
	}
	return diag, true
}
