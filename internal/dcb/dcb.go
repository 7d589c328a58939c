// Package dcb implements the descriptor control block: one non-blocking
// socket registered with a worker's epoll instance, with a pending-write
// queue for partial writes and the role/state bookkeeping spec.md §3
// describes (client-facing vs. backend-facing, CREATED/POLLING/DRAINING/
// STOPPING/DISCONNECTED).
package dcb

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sqlrelay/sqlrelay/internal/worker"
)

// Role distinguishes a client-facing DCB from one connected to a backend.
type Role int

const (
	RoleClient Role = iota
	RoleBackend
)

func (r Role) String() string {
	if r == RoleBackend {
		return "backend"
	}
	return "client"
}

// State is the DCB lifecycle (spec.md §3).
type State int

const (
	StateCreated State = iota
	StatePolling
	StateDraining
	StateStopping
	StateDisconnected
)

// Handler receives readable/writable/hangup/error notifications for a
// DCB. The production implementation is internal/proxy's clientHandler.
type Handler interface {
	// OnReadable is called with newly-read bytes appended to whatever is
	// left over from a previous partial frame. It returns the number of
	// bytes it consumed; anything left over is retained for the next
	// call. A non-nil error stops further reads and triggers Close.
	OnReadable(d *DCB, data []byte) (consumed int, err error)
	// OnWritable is called once the write queue has fully drained.
	OnWritable(d *DCB)
	// OnHangup is called when the peer closed its end.
	OnHangup(d *DCB)
	// OnError is called for an unrecoverable socket error.
	OnError(d *DCB, err error)
}

// DCB wraps one non-blocking socket and its write queue.
type DCB struct {
	mu sync.Mutex

	role  Role
	state State

	conn  net.Conn
	rawFd int

	w       *worker.Worker
	handler Handler

	readBuf  []byte // unconsumed bytes from the last OnReadable call
	writeQ   [][]byte
	writeOff int // bytes already written from writeQ[0]

	registered bool
}

const readChunkSize = 64 * 1024

// New wraps conn as a DCB of the given role, ready to be registered with
// a worker via Register. conn must support SyscallConn (TCP/unix socket
// connections do).
func New(conn net.Conn, role Role, h Handler) (*DCB, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("dcb: connection type %T does not support raw fd access", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("dcb: SyscallConn: %w", err)
	}

	var fd int
	var ctrlErr error
	err = raw.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
		ctrlErr = unix.SetNonblock(fd, true)
	})
	if err != nil {
		return nil, fmt.Errorf("dcb: Control: %w", err)
	}
	if ctrlErr != nil {
		return nil, fmt.Errorf("dcb: SetNonblock: %w", ctrlErr)
	}

	return &DCB{
		role:    role,
		state:   StateCreated,
		conn:    conn,
		rawFd:   fd,
		handler: h,
	}, nil
}

// Fd implements worker.Pollable.
func (d *DCB) Fd() int { return d.rawFd }

// Role reports whether this DCB faces a client or a backend.
func (d *DCB) Role() Role { return d.role }

// State reports the current lifecycle state.
func (d *DCB) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Register adds this DCB to w's epoll set, watching for readability (and
// writability too if there is already queued output).
func (d *DCB) Register(w *worker.Worker) error {
	d.mu.Lock()
	d.w = w
	events := uint32(worker.EPOLLIN | worker.EPOLLRDHUP)
	if len(d.writeQ) > 0 {
		events |= worker.EPOLLOUT
	}
	d.mu.Unlock()

	if err := w.AddPollable(events, d); err != nil {
		return err
	}
	d.mu.Lock()
	d.registered = true
	d.state = StatePolling
	d.mu.Unlock()
	return nil
}

// HandlePollEvents implements worker.Pollable. It is invoked only on the
// owning worker's thread.
func (d *DCB) HandlePollEvents(w *worker.Worker, events uint32, ctx worker.CallContext) worker.Action {
	var action worker.Action

	if events&(worker.EPOLLHUP|worker.EPOLLRDHUP) != 0 && events&worker.EPOLLIN == 0 {
		d.handler.OnHangup(d)
		action |= worker.Hup
		return action
	}
	if events&worker.EPOLLERR != 0 {
		if err := d.socketError(); err != nil {
			d.handler.OnError(d, err)
			action |= worker.Error
			return action
		}
	}

	if events&worker.EPOLLIN != 0 {
		more, err := d.readOnce()
		if err != nil {
			if errors.Is(err, errWouldBlockNoProgress) {
				// nothing new to read, treat like a spurious wakeup
			} else if err == errPeerClosed {
				d.handler.OnHangup(d)
				action |= worker.Hup
				return action
			} else {
				d.handler.OnError(d, err)
				action |= worker.Error
				return action
			}
		}
		action |= worker.Read
		if more {
			action |= worker.IncompleteRead
		}
	}

	if events&worker.EPOLLOUT != 0 {
		if err := d.flushWriteQueue(); err != nil {
			d.handler.OnError(d, err)
			action |= worker.Error
			return action
		}
		action |= worker.Write
	}

	return action
}

var errWouldBlockNoProgress = errors.New("dcb: no data available")
var errPeerClosed = errors.New("dcb: peer closed connection")

// readOnce reads one chunk, hands everything available (previous
// leftover plus the new read) to the handler, and keeps whatever the
// handler did not consume. It returns more=true if a full chunk was read
// (suggesting there may be additional data the next iteration should
// revisit even without a fresh epoll event, per spec.md §4.1 step 6).
func (d *DCB) readOnce() (more bool, err error) {
	buf := make([]byte, readChunkSize)
	n, rerr := d.conn.Read(buf)
	if n > 0 {
		d.mu.Lock()
		d.readBuf = append(d.readBuf, buf[:n]...)
		pending := d.readBuf
		d.mu.Unlock()

		consumed, herr := d.handler.OnReadable(d, pending)
		if consumed < 0 || consumed > len(pending) {
			consumed = 0
		}

		d.mu.Lock()
		d.readBuf = append([]byte(nil), pending[consumed:]...)
		d.mu.Unlock()

		if herr != nil {
			return false, herr
		}
	}
	if rerr != nil {
		if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
			return false, errWouldBlockNoProgress
		}
		if errors.Is(rerr, syscall.EAGAIN) || errors.Is(rerr, syscall.EWOULDBLOCK) {
			return false, errWouldBlockNoProgress
		}
		return false, errPeerClosed
	}
	return n == readChunkSize, nil
}

func (d *DCB) socketError() error {
	v, err := unix.GetsockoptInt(d.rawFd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Write enqueues data for sending. If the socket is currently writable
// with an empty queue, it is written immediately; any remainder is
// queued and EPOLLOUT interest is enabled.
func (d *DCB) Write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.writeQ) == 0 {
		n, err := d.conn.Write(data)
		if err != nil {
			if !isWouldBlock(err) {
				return err
			}
			n = 0
		}
		if n == len(data) {
			return nil
		}
		data = data[n:]
	}

	d.writeQ = append(d.writeQ, data)
	d.state = StateDraining
	if d.registered && d.w != nil {
		return d.w.ModifyPollable(uint32(worker.EPOLLIN|worker.EPOLLOUT|worker.EPOLLRDHUP), d)
	}
	return nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// flushWriteQueue drains as much of the queue as the socket will accept
// without blocking. Once empty it drops EPOLLOUT interest and calls the
// handler's OnWritable.
func (d *DCB) flushWriteQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.writeQ) > 0 {
		chunk := d.writeQ[0][d.writeOff:]
		n, err := d.conn.Write(chunk)
		if n > 0 {
			d.writeOff += n
		}
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return err
		}
		if d.writeOff >= len(d.writeQ[0]) {
			d.writeQ = d.writeQ[1:]
			d.writeOff = 0
		} else {
			return nil
		}
	}

	d.state = StatePolling
	if d.registered && d.w != nil {
		if err := d.w.ModifyPollable(uint32(worker.EPOLLIN|worker.EPOLLRDHUP), d); err != nil {
			return err
		}
	}
	handler := d.handler
	dcb := d
	d.mu.Unlock()
	handler.OnWritable(dcb)
	d.mu.Lock()
	return nil
}

// PendingWriteBytes reports how many bytes are still queued to send,
// used by backpressure-aware callers (spec.md §4.4 write-queue limits).
func (d *DCB) PendingWriteBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := -d.writeOff
	for _, c := range d.writeQ {
		total += len(c)
	}
	if total < 0 {
		total = 0
	}
	return total
}

// Close deregisters the DCB from its worker (if registered) and closes
// the underlying connection.
func (d *DCB) Close() error {
	d.mu.Lock()
	w := d.w
	registered := d.registered
	d.registered = false
	d.state = StateDisconnected
	d.mu.Unlock()

	if registered && w != nil {
		w.RemovePollable(d)
	}
	return d.conn.Close()
}

// RemoteAddr exposes the underlying connection's peer address for
// logging.
func (d *DCB) RemoteAddr() net.Addr { return d.conn.RemoteAddr() }
