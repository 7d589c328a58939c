package proxy

import (
	"net"
	"testing"

	"github.com/sqlrelay/sqlrelay/internal/buffer"
	"github.com/sqlrelay/sqlrelay/internal/dcb"
	"github.com/sqlrelay/sqlrelay/internal/routing"
	"github.com/sqlrelay/sqlrelay/internal/session"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// loopbackPipe returns two connected TCP ends (net.Pipe doesn't support
// SyscallConn, which dcb.New requires).
func loopbackPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptedCh <- nil
			return
		}
		acceptedCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server = <-acceptedCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

type trackingRouter struct {
	queries [][]byte
}

func (r *trackingRouter) RouteQuery(s *session.Session, buf *buffer.Buffer) bool {
	r.queries = append(r.queries, buf.Data)
	return true
}

func newClientTestSession() *session.Session {
	eng := routing.NewEngine(nil, routing.Options{})
	return session.New("u", "h", "sqlrelay", "sqlrelay", eng, 0)
}

func TestClientHandlerOnReadableDispatchesCompletePacket(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()
	defer server.Close()

	router := &trackingRouter{}
	sess := newClientTestSession()
	h := &clientHandler{sess: sess, router: NewRouter(nil, nil, nil, nil, 0)}
	d, err := dcb.New(server, dcb.RoleClient, h)
	if err != nil {
		t.Fatal(err)
	}
	h.d = d
	sess.Start(router, h)

	var buf []byte
	buf = append(buf, []byte{8, 0, 0, 0}...) // payload length 8, seq 0
	buf = append(buf, append([]byte{byte(wire.ComQuery)}, []byte("SELECT 1")...)...)

	consumed, err := h.OnReadable(d, buf)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != len(buf) {
		t.Fatalf("expected to consume all %d bytes, consumed %d", len(buf), consumed)
	}
	if len(router.queries) != 1 {
		t.Fatalf("expected one dispatched query, got %d", len(router.queries))
	}
	if string(router.queries[0][1:]) != "SELECT 1" {
		t.Fatalf("unexpected query payload: %q", router.queries[0])
	}
}

func TestClientHandlerOnReadableLeavesPartialPacketUnconsumed(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()
	defer server.Close()

	router := &trackingRouter{}
	sess := newClientTestSession()
	h := &clientHandler{sess: sess, router: NewRouter(nil, nil, nil, nil, 0)}
	d, err := dcb.New(server, dcb.RoleClient, h)
	if err != nil {
		t.Fatal(err)
	}
	h.d = d
	sess.Start(router, h)

	partial := []byte{8, 0, 0, 0, byte(wire.ComQuery), 'S', 'E'} // header says 8 bytes, only 3 given

	consumed, err := h.OnReadable(d, partial)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 0 {
		t.Fatalf("expected nothing consumed for a partial packet, got %d", consumed)
	}
	if len(router.queries) != 0 {
		t.Fatal("expected no dispatch for an incomplete packet")
	}
}

func TestClientHandlerRouteReplyWritesFramedPacket(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()
	defer server.Close()

	sess := newClientTestSession()
	h := &clientHandler{sess: sess, router: NewRouter(nil, nil, nil, nil, 0)}
	d, err := dcb.New(server, dcb.RoleClient, h)
	if err != nil {
		t.Fatal(err)
	}
	h.d = d

	if ok := h.RouteReply(sess, buffer.New(wire.BuildOKPacket()), nil); !ok {
		t.Fatal("expected RouteReply to succeed")
	}

	payload, _, err := wire.ReadPacket(client)
	if err != nil {
		t.Fatal(err)
	}
	if payload[0] != wire.OKPacket {
		t.Fatalf("expected OK packet, got %#x", payload[0])
	}
}

func TestClientHandlerOnHangupKillsSession(t *testing.T) {
	client, server := loopbackPipe(t)
	defer client.Close()

	sess := newClientTestSession()
	h := &clientHandler{sess: sess, router: NewRouter(nil, nil, nil, nil, 0)}
	d, err := dcb.New(server, dcb.RoleClient, h)
	if err != nil {
		t.Fatal(err)
	}
	h.d = d
	sess.Ref()

	h.OnHangup(d)

	if sess.CloseReason() != session.CloseNone {
		t.Fatalf("expected CloseNone on a plain hangup, got %v", sess.CloseReason())
	}
}
