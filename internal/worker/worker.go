// Package worker implements sqlrelay's per-thread event-driven runtime:
// an epoll-based reactor with a cross-thread message queue, a delayed-call
// timer, and an end-of-iteration "lcall" queue (spec.md §4.1, §5).
//
// Every other component (session pipeline, classifier cache, router) runs
// on top of exactly one Worker; a Worker's mutable state is touched only
// by the OS thread running its reactor loop, except for PostMessage and
// Shutdown which are safe to call from any goroutine.
package worker

import (
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	minPollTimeoutMS = 1
	maxPollTimeoutMS = 1000
	maxEpollEvents   = 256
	messageQueueSize = 4096
)

// ExecMode selects how Execute runs a task relative to the calling
// goroutine (spec.md §4.1).
type ExecMode int

const (
	// Direct runs synchronously if the caller is already on this worker;
	// otherwise it fails.
	Direct ExecMode = iota
	// Auto runs Direct when already on this worker, else Queued.
	Auto
	// Queued always posts to the worker's message queue.
	Queued
)

type task struct {
	fn  func()
	sem chan struct{}
}

type message struct {
	id   int
	arg1 any
	arg2 any
}

// MessageHandler processes a cross-thread message posted via PostMessage.
type MessageHandler func(w *Worker, id int, arg1, arg2 any)

// Worker is a single-threaded cooperative reactor bound to one OS thread.
type Worker struct {
	ID   uint32
	name string

	epfd      int
	wakeFd    int // eventfd used to break epoll_wait for cross-thread work
	pollables map[int]Pollable

	taskCh    chan task
	messageCh chan message
	onMessage MessageHandler

	lcalls   []func()
	lcallsMu sync.Mutex

	dcalls *dcallTable
	load   loadAverage
	rng    *rand.Rand

	scheduledPolls     map[int]uint32 // fd -> carried event bits, for repeated dispatch
	carriedIncomplete  map[int]bool   // fds whose handler asked for a guaranteed next call

	running     atomic.Bool
	stopped     atomic.Bool
	doneCh      chan struct{}
	ownerGID    atomic.Uint64
	tickHook    func()
	registry    *Registry
}

// New creates a Worker. It does not start the reactor thread; call Start
// for that. registry may be nil if this worker does not need to be
// discoverable for admin/broadcast operations.
func New(name string, registry *Registry) (*Worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	w := &Worker{
		ID:                allocWorkerID(),
		name:              name,
		epfd:              epfd,
		wakeFd:            wakeFd,
		pollables:         make(map[int]Pollable),
		taskCh:            make(chan task, messageQueueSize),
		messageCh:         make(chan message, messageQueueSize),
		dcalls:            newDcallTable(),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano() + int64(allocWorkerID()))),
		scheduledPolls:    make(map[int]uint32),
		carriedIncomplete: make(map[int]bool),
		doneCh:            make(chan struct{}),
		registry:          registry,
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("epoll_ctl(wakeFd): %w", err)
	}

	return w, nil
}

// SetMessageHandler installs the callback invoked for every message
// delivered via PostMessage. Must be called before Start.
func (w *Worker) SetMessageHandler(h MessageHandler) { w.onMessage = h }

// SetTickHook installs a function run once at the end of every reactor
// iteration (spec.md §4.1 step 8), after lcalls. Must be called before
// Start.
func (w *Worker) SetTickHook(f func()) { w.tickHook = f }

// Name returns the worker's configured name.
func (w *Worker) Name() string { return w.name }

// Start spawns the OS thread that runs this worker's reactor loop until
// Shutdown is posted.
func (w *Worker) Start() {
	w.running.Store(true)
	if w.registry != nil {
		w.registry.add(w)
	}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		w.ownerGID.Store(goroutineID())
		w.run()
	}()
}

// Join blocks until the worker's reactor loop has exited.
func (w *Worker) Join() {
	<-w.doneCh
}

// Shutdown causes the reactor loop to exit cleanly at the next iteration.
// Safe to call from any goroutine.
func (w *Worker) Shutdown() {
	if w.stopped.CompareAndSwap(false, true) {
		w.wake()
	}
}

// onWorkerThread reports whether the calling goroutine is this worker's
// reactor goroutine. Go has no public goroutine-affinity API, so this
// compares the numeric id parsed out of runtime.Stack — a well-worn
// substitute for true thread-local storage, adequate here because each
// Worker pins exactly one goroutine via LockOSThread for its lifetime.
func (w *Worker) onWorkerThread() bool {
	return w.running.Load() && goroutineID() == w.ownerGID.Load()
}

func (w *Worker) wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(w.wakeFd, buf[:])
}

func (w *Worker) run() {
	defer func() {
		if w.registry != nil {
			w.registry.remove(w.ID)
		}
		unix.Close(w.epfd)
		unix.Close(w.wakeFd)
		w.running.Store(false)
		close(w.doneCh)
	}()

	events := make([]unix.EpollEvent, maxEpollEvents)

	for !w.stopped.Load() {
		iterStart := time.Now()

		timeoutMS := pollTimeout(w.dcalls.nextDue(iterStart), len(w.carriedIncomplete) > 0, minPollTimeoutMS, maxPollTimeoutMS)

		n, err := unix.EpollWait(w.epfd, events, timeoutMS)
		waitEnd := time.Now()
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("epoll_wait failed", "worker", w.name, "err", err)
			continue
		}

		// Move carried-over incomplete reads into this iteration's
		// scheduled-polls map (step 4).
		for fd := range w.carriedIncomplete {
			w.scheduledPolls[fd] = w.scheduledPolls[fd] // ensure present, 0 events ok
		}
		w.carriedIncomplete = make(map[int]bool)

		seenThisIter := make(map[int]bool, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			seenThisIter[fd] = true
			evBits := events[i].Events

			if carried, ok := w.scheduledPolls[fd]; ok {
				evBits |= carried
				delete(w.scheduledPolls, fd)
			}

			if fd == w.wakeFd {
				w.drainWake()
				continue
			}

			w.dispatch(fd, evBits, NewCall)
		}

		// Drain remaining scheduled-polls whose fds did not fire this
		// iteration but still carry events (step 6).
		for fd, evBits := range w.scheduledPolls {
			if seenThisIter[fd] {
				continue
			}
			delete(w.scheduledPolls, fd)
			w.dispatch(fd, evBits, RepeatedCall)
		}

		w.fireDueDCalls(time.Now())
		w.drainMessages()
		w.runLcalls()

		if w.tickHook != nil {
			w.tickHook()
		}

		busy := waitEnd.Sub(iterStart)
		total := time.Since(iterStart)
		ratio := 0.0
		if total > 0 {
			ratio = float64(busy) / float64(total)
			if ratio > 1 {
				ratio = 1
			}
			if ratio < 0 {
				ratio = 0
			}
			// busy here is actually the epoll_wait call itself, which is
			// idle time from the scheduler's perspective; invert so the
			// load average reflects work done, not time asleep.
			ratio = 1 - ratio
		}
		w.load.update(ratio, total)
	}
}

func (w *Worker) dispatch(fd int, evBits uint32, ctx CallContext) {
	p, ok := w.pollables[fd]
	if !ok {
		return
	}
	action := p.HandlePollEvents(w, evBits, ctx)
	if action.Has(IncompleteRead) {
		w.carriedIncomplete[fd] = true
		w.scheduledPolls[fd] = 0
	}
}

func (w *Worker) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *Worker) drainMessages() {
	for {
		select {
		case t := <-w.taskCh:
			t.fn()
			if t.sem != nil {
				close(t.sem)
			}
		case m := <-w.messageCh:
			if w.onMessage != nil {
				w.onMessage(w, m.id, m.arg1, m.arg2)
			}
		default:
			return
		}
	}
}

func (w *Worker) runLcalls() {
	for {
		w.lcallsMu.Lock()
		if len(w.lcalls) == 0 {
			w.lcallsMu.Unlock()
			return
		}
		batch := w.lcalls
		w.lcalls = nil
		w.lcallsMu.Unlock()

		for _, f := range batch {
			f()
		}
	}
}

// --- Pollable registration -------------------------------------------------

// AddPollable registers p for the given epoll event bits. Must be called
// from the owning worker thread once the worker has started.
func (w *Worker) AddPollable(events uint32, p Pollable) error {
	fd := p.Fd()
	w.pollables[fd] = p
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		delete(w.pollables, fd)
		return classifyEpollErr("add", err)
	}
	return nil
}

// ModifyPollable changes the event bits for an already-registered fd.
func (w *Worker) ModifyPollable(events uint32, p Pollable) error {
	fd := p.Fd()
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return classifyEpollErr("modify", err)
	}
	return nil
}

// RemovePollable deregisters p. It also evicts any pending scheduled-poll
// or incomplete-read bookkeeping for that fd. Does not close the fd — the
// caller owns that.
func (w *Worker) RemovePollable(p Pollable) error {
	fd := p.Fd()
	delete(w.pollables, fd)
	delete(w.scheduledPolls, fd)
	delete(w.carriedIncomplete, fd)
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return classifyEpollErr("remove", err)
	}
	return nil
}

// classifyEpollErr maps epoll_ctl failures per spec.md §4.1/§7:
// EEXIST/ENOENT/ENOSPC are logged and returned; ENOMEM/EINVAL/EBADF/EPERM
// indicate a corrupt epoll set or programming error and abort the
// process, since a leaked/corrupt epoll set would silently misroute
// traffic.
func classifyEpollErr(op string, err error) error {
	switch err {
	case unix.EEXIST, unix.ENOENT, unix.ENOSPC:
		slog.Error("epoll_ctl failed", "op", op, "err", err)
		return fmt.Errorf("epoll_ctl %s: %w", op, err)
	case unix.ENOMEM, unix.EINVAL, unix.EBADF, unix.EPERM:
		panic(fmt.Sprintf("epoll_ctl %s: unrecoverable error: %v", op, err))
	default:
		slog.Error("epoll_ctl failed", "op", op, "err", err)
		return fmt.Errorf("epoll_ctl %s: %w", op, err)
	}
}

// LoadAverages returns the 1-second/1-minute/1-hour busy-ratio windows.
func (w *Worker) LoadAverages() (oneSec, oneMin, oneHour float64) {
	return w.load.oneSecond, w.load.oneMinute, w.load.oneHour
}

// Rand returns this worker's private random source, used by the
// classifier cache's eviction walk (spec.md §4.3) so no cross-worker
// locking is needed.
func (w *Worker) Rand() *rand.Rand { return w.rng }
