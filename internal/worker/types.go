package worker

// Action is a bitmask describing what a Pollable's handler did with, or
// still wants from, a poll event (spec.md §3).
type Action uint32

const (
	Accept Action = 1 << iota
	Read
	Write
	Hup
	Error
	// IncompleteRead means the handler consumed part of a readable fd and
	// wants a guaranteed next call on the next reactor iteration even
	// without a new kernel event.
	IncompleteRead
)

// Has reports whether the mask contains bit.
func (a Action) Has(bit Action) bool { return a&bit != 0 }

// CallContext tells a Pollable's handler whether it is being invoked
// because epoll_wait just returned a fresh event for its fd (NewCall) or
// because the fd carried an unconsumed event from a previous iteration
// (RepeatedCall) — spec.md §4.1 step 6.
type CallContext int

const (
	NewCall CallContext = iota
	RepeatedCall
)

// Pollable is anything registered with a Worker's epoll instance.
type Pollable interface {
	// Fd returns the underlying file descriptor. Must stay stable for the
	// lifetime of the registration.
	Fd() int

	// HandlePollEvents processes the given epoll event bits and returns
	// the action mask describing what happened.
	HandlePollEvents(w *Worker, events uint32, ctx CallContext) Action
}

// Epoll event bits, mirrored here so callers of Add/ModifyPollable don't
// need to import golang.org/x/sys/unix directly.
const (
	EPOLLIN  = 0x001
	EPOLLOUT = 0x004
	EPOLLERR = 0x008
	EPOLLHUP = 0x010
	EPOLLRDHUP = 0x2000
)
