package worker

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"time"
)

// goroutineID parses the numeric id out of runtime.Stack's header line.
// Go deliberately has no public goroutine-local-storage primitive; this
// is the well-known workaround, adequate here because it is only ever
// used to answer "am I the goroutine this Worker pinned with
// LockOSThread", not as a general scheduling mechanism.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Execute runs fn according to mode (spec.md §4.1 execution modes).
// Direct requires the caller to already be on this worker's thread and
// returns an error otherwise. Auto runs inline if already on-thread, else
// behaves like Queued. Queued always posts fn to the worker's task queue
// and returns immediately without waiting for it to run.
func (w *Worker) Execute(mode ExecMode, fn func()) error {
	switch mode {
	case Direct:
		if !w.onWorkerThread() {
			return fmt.Errorf("worker: Direct execute called off-thread")
		}
		fn()
		return nil
	case Auto:
		if w.onWorkerThread() {
			fn()
			return nil
		}
		fallthrough
	case Queued:
		w.taskCh <- task{fn: fn}
		w.wake()
		return nil
	default:
		return fmt.Errorf("worker: unknown exec mode %d", mode)
	}
}

// Call runs fn on the worker and blocks until it has finished, whether or
// not the caller is already on-thread (spec.md §4.1 call()).
func (w *Worker) Call(fn func()) {
	if w.onWorkerThread() {
		fn()
		return
	}
	sem := make(chan struct{})
	w.taskCh <- task{fn: fn, sem: sem}
	w.wake()
	<-sem
}

// PostMessage enqueues a cross-thread message for delivery to this
// worker's MessageHandler on its own thread. Safe from any goroutine.
func (w *Worker) PostMessage(id int, arg1, arg2 any) {
	w.messageCh <- message{id: id, arg1: arg1, arg2: arg2}
	w.wake()
}

// Lcall schedules fn to run once, at the end of the current (or next, if
// called off-thread) reactor iteration, after all polled events and
// messages have been processed (spec.md §4.1 step 7).
func (w *Worker) Lcall(fn func()) {
	w.lcallsMu.Lock()
	w.lcalls = append(w.lcalls, fn)
	w.lcallsMu.Unlock()
	if !w.onWorkerThread() {
		w.wake()
	}
}

// DelayedCall schedules fn to run after delay, on this worker's thread.
// Must be called from the worker's own thread; owners needing
// suspend/resume semantics should use a Callable instead of calling this
// directly.
func (w *Worker) DelayedCall(delay time.Duration, fn DelayedFunc) DelayedCallID {
	return w.dcalls.schedule(delay, fn)
}

// CancelDCall cancels a previously scheduled delayed call. If invoke is
// true, fn runs once more with CancelExplicit before removal.
func (w *Worker) CancelDCall(id DelayedCallID, invoke bool) bool {
	return w.dcalls.cancel(id, invoke)
}

// SuspendDCalls detaches the given delayed calls from the timer without
// invoking or forgetting them.
func (w *Worker) SuspendDCalls(ids []DelayedCallID) { w.dcalls.suspend(ids) }

// ResumeDCalls reattaches delayed calls previously passed to
// SuspendDCalls.
func (w *Worker) ResumeDCalls(ids []DelayedCallID) { w.dcalls.resume(ids) }

// fireDueDCalls is invoked once per reactor iteration after dispatch and
// before lcalls run, so a delayed call can itself queue further lcalls
// for the same iteration.
func (w *Worker) fireDueDCalls(now time.Time) { w.dcalls.fireDue(now) }

// Callable is an embeddable helper giving any owner (a Session, a
// backend connection) its own scoped set of delayed calls it can tear
// down together without tracking ids itself — mirroring how
// mxb::Worker::Callable attaches to one Worker (spec.md §5).
type Callable struct {
	w   *Worker
	ids []DelayedCallID
}

// NewCallable binds a Callable to w.
func NewCallable(w *Worker) *Callable { return &Callable{w: w} }

// DelayedCall schedules fn on the bound worker and remembers its id so
// Cancel can tear down every call this owner scheduled.
func (c *Callable) DelayedCall(delay time.Duration, fn DelayedFunc) DelayedCallID {
	id := c.w.DelayedCall(delay, fn)
	c.ids = append(c.ids, id)
	return id
}

// Cancel cancels every delayed call this Callable has scheduled.
func (c *Callable) Cancel() {
	for _, id := range c.ids {
		c.w.CancelDCall(id, false)
	}
	c.ids = c.ids[:0]
}

// Suspend detaches all of this Callable's delayed calls from the timer.
func (c *Callable) Suspend() { c.w.SuspendDCalls(c.ids) }

// Resume reattaches all of this Callable's delayed calls.
func (c *Callable) Resume() { c.w.ResumeDCalls(c.ids) }
