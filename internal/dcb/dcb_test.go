package dcb

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sqlrelay/sqlrelay/internal/worker"
)

// loopbackPair returns two connected TCP sockets usable for SyscallConn
// based raw-fd registration, since net.Pipe's in-memory conns don't
// expose a real fd.
func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-acceptCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

type recordingHandler struct {
	mu       sync.Mutex
	received []byte
	writable int
	hangup   bool
	errs     []error
}

func (h *recordingHandler) OnReadable(d *DCB, data []byte) (int, error) {
	h.mu.Lock()
	h.received = append(h.received, data...)
	h.mu.Unlock()
	return len(data), nil
}
func (h *recordingHandler) OnWritable(d *DCB) {
	h.mu.Lock()
	h.writable++
	h.mu.Unlock()
}
func (h *recordingHandler) OnHangup(d *DCB) {
	h.mu.Lock()
	h.hangup = true
	h.mu.Unlock()
}
func (h *recordingHandler) OnError(d *DCB, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() (recv []byte, hangup bool, nerrs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.received...), h.hangup, len(h.errs)
}

func TestDCBReadsRegisteredData(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()

	w, err := worker.New("dcb-test", nil)
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	w.Start()
	defer w.Shutdown()

	h := &recordingHandler{}
	d, err := New(server, RoleClient, h)
	if err != nil {
		t.Fatalf("dcb.New: %v", err)
	}
	if err := d.Register(w); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client.Write([]byte("hello"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recv, _, _ := h.snapshot(); string(recv) == "hello" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("did not observe written data")
}

func TestDCBHangupOnPeerClose(t *testing.T) {
	client, server := loopbackPair(t)

	w, err := worker.New("dcb-test-hup", nil)
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	w.Start()
	defer w.Shutdown()

	h := &recordingHandler{}
	d, err := New(server, RoleClient, h)
	if err != nil {
		t.Fatalf("dcb.New: %v", err)
	}
	if err := d.Register(w); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, hangup, _ := h.snapshot(); hangup {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hangup never observed")
}

func TestDCBWriteQueueDrains(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()

	w, err := worker.New("dcb-test-write", nil)
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	w.Start()
	defer w.Shutdown()

	h := &recordingHandler{}
	d, err := New(server, RoleBackend, h)
	if err != nil {
		t.Fatalf("dcb.New: %v", err)
	}
	if err := d.Register(w); err != nil {
		t.Fatalf("Register: %v", err)
	}

	payload := make([]byte, 1<<20)
	w.Call(func() {
		if err := d.Write(payload); err != nil {
			t.Errorf("Write: %v", err)
		}
	})

	readAll := make([]byte, 0, len(payload))
	buf := make([]byte, 64*1024)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(readAll) < len(payload) {
		n, err := client.Read(buf)
		if n > 0 {
			readAll = append(readAll, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("client read: %v (got %d/%d bytes)", err, len(readAll), len(payload))
		}
	}
	if len(readAll) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(readAll), len(payload))
	}
}

func TestDCBRole(t *testing.T) {
	_, server := loopbackPair(t)
	defer server.Close()
	d, err := New(server, RoleBackend, &recordingHandler{})
	if err != nil {
		t.Fatalf("dcb.New: %v", err)
	}
	if d.Role() != RoleBackend {
		t.Fatalf("Role() = %v, want backend", d.Role())
	}
	if d.State() != StateCreated {
		t.Fatalf("State() = %v, want created", d.State())
	}
}
