package worker

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// DelayedCallID identifies a scheduled delayed call so it can be canceled.
type DelayedCallID uint64

var nextDelayedCallID uint64

func allocDelayedCallID() DelayedCallID {
	return DelayedCallID(atomic.AddUint64(&nextDelayedCallID, 1))
}

// CancelReason tells a delayed call's callback why it is being invoked
// one last time outside its normal schedule.
type CancelReason int

const (
	CancelNone CancelReason = iota
	CancelShutdown
	CancelExplicit
)

// DelayedFunc is scheduled to run on the worker at or after a due time. It
// returns true to be rescheduled at the same interval, false to run once.
// reason is CancelNone on a normal firing, or set when the call is being
// invoked because it is being torn down early.
type DelayedFunc func(reason CancelReason) bool

type delayedCall struct {
	id       DelayedCallID
	due      time.Time
	interval time.Duration
	seq      uint64 // insertion order, breaks ties at equal due time
	fn       DelayedFunc
	index    int // heap index, maintained by container/heap
}

// delayedCallHeap orders calls by (due, seq) ascending.
type delayedCallHeap []*delayedCall

func (h delayedCallHeap) Len() int { return len(h) }
func (h delayedCallHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayedCallHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *delayedCallHeap) Push(x any) {
	c := x.(*delayedCall)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *delayedCallHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// dcallTable is the worker-local (no-lock, single-thread-owned) table of
// delayed calls: both id-indexed (for cancellation) and time-ordered
// (for firing), as spec.md §4.1/§5 describes.
type dcallTable struct {
	byID map[DelayedCallID]*delayedCall
	heap delayedCallHeap
	seq  uint64

	suspended map[DelayedCallID]*delayedCall
}

func newDcallTable() *dcallTable {
	return &dcallTable{
		byID:      make(map[DelayedCallID]*delayedCall),
		suspended: make(map[DelayedCallID]*delayedCall),
	}
}

func (t *dcallTable) schedule(delay time.Duration, fn DelayedFunc) DelayedCallID {
	t.seq++
	c := &delayedCall{
		id:       allocDelayedCallID(),
		due:      time.Now().Add(delay),
		interval: delay,
		seq:      t.seq,
		fn:       fn,
	}
	t.byID[c.id] = c
	heap.Push(&t.heap, c)
	return c.id
}

// cancel removes a delayed call. If invoke is true, fn is called once
// more with CancelExplicit before removal (spec.md §5 call=true/false).
func (t *dcallTable) cancel(id DelayedCallID, invoke bool) bool {
	c, ok := t.byID[id]
	if !ok {
		if c, ok = t.suspended[id]; ok {
			delete(t.suspended, id)
			if invoke {
				c.fn(CancelExplicit)
			}
			return true
		}
		return false
	}
	delete(t.byID, id)
	if c.index >= 0 {
		heap.Remove(&t.heap, c.index)
	}
	if invoke {
		c.fn(CancelExplicit)
	}
	return true
}

// suspend detaches every call belonging to ids from the timer without
// canceling it, so it can be resumed later (spec.md §4.1 suspend_dcalls).
func (t *dcallTable) suspend(ids []DelayedCallID) {
	for _, id := range ids {
		c, ok := t.byID[id]
		if !ok {
			continue
		}
		delete(t.byID, id)
		if c.index >= 0 {
			heap.Remove(&t.heap, c.index)
		}
		t.suspended[id] = c
	}
}

func (t *dcallTable) resume(ids []DelayedCallID) {
	for _, id := range ids {
		c, ok := t.suspended[id]
		if !ok {
			continue
		}
		delete(t.suspended, id)
		t.byID[c.id] = c
		heap.Push(&t.heap, c)
	}
}

// fireDue runs every call whose due time has passed, rescheduling those
// whose callback returns true. Ties at the same due time fire in
// insertion order (heap ordering guarantees this).
func (t *dcallTable) fireDue(now time.Time) {
	for t.heap.Len() > 0 {
		next := t.heap[0]
		if next.due.After(now) {
			return
		}
		heap.Pop(&t.heap)
		delete(t.byID, next.id)

		again := next.fn(CancelNone)
		if again {
			next.due = now.Add(next.interval)
			t.seq++
			next.seq = t.seq
			t.byID[next.id] = next
			heap.Push(&t.heap, next)
		}
	}
}

// nextDue returns the duration until the next scheduled call, or -1 if
// there are none.
func (t *dcallTable) nextDue(now time.Time) time.Duration {
	if t.heap.Len() == 0 {
		return -1
	}
	d := t.heap[0].due.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// loadAverage tracks busy-vs-idle ratio over three exponentially
// weighted windows (1 second / 1 minute / 1 hour), the way
// maxbase::Worker's load-average helper does (spec.md §4.1 step 1, §4.1
// step 3).
type loadAverage struct {
	oneSecond float64
	oneMinute float64
	oneHour   float64
}

const (
	decay1s = 1.0
	decay1m = 60.0
	decay1h = 3600.0
)

// update folds one iteration's busy ratio (0..1) into each window, with
// elapsed giving the wall-clock time the iteration covered.
func (l *loadAverage) update(busyRatio float64, elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return
	}
	l.oneSecond = ema(l.oneSecond, busyRatio, secs, decay1s)
	l.oneMinute = ema(l.oneMinute, busyRatio, secs, decay1m)
	l.oneHour = ema(l.oneHour, busyRatio, secs, decay1h)
}

func ema(prev, sample, elapsedSecs, windowSecs float64) float64 {
	alpha := 1 - expNeg(elapsedSecs/windowSecs)
	return prev + alpha*(sample-prev)
}

// expNeg approximates e^-x without pulling in math just for this; x is
// always small and non-negative in practice (elapsed << window).
func expNeg(x float64) float64 {
	if x > 30 {
		return 0
	}
	// Taylor-ish approximation via repeated halving (accurate enough for
	// a load-average smoothing constant, not a precision requirement).
	const n = 16
	y := x / n
	r := 1 - y
	for i := 0; i < 4; i++ {
		r = r * r
	}
	return r
}

// pollTimeout computes the epoll_wait timeout in milliseconds for this
// iteration: bounded below by minMS so a near-idle worker doesn't spin,
// and forced to 0 if there is carried-over incomplete-read work pending
// (spec.md §4.1 step 1).
func pollTimeout(nextDelayed time.Duration, hasCarriedIncomplete bool, minMS, maxMS int) int {
	if hasCarriedIncomplete {
		return 0
	}
	if nextDelayed < 0 {
		return maxMS
	}
	ms := int(nextDelayed / time.Millisecond)
	if ms < minMS {
		ms = minMS
	}
	if ms > maxMS {
		ms = maxMS
	}
	return ms
}
