package proxy

import (
	"log/slog"

	"github.com/sqlrelay/sqlrelay/internal/buffer"
	"github.com/sqlrelay/sqlrelay/internal/dcb"
	"github.com/sqlrelay/sqlrelay/internal/metrics"
	"github.com/sqlrelay/sqlrelay/internal/session"
	"github.com/sqlrelay/sqlrelay/internal/wire"
)

// clientHandler implements dcb.Handler for a client-facing connection:
// it reassembles framed packets out of whatever bytes the worker's
// epoll loop hands it and drives them into the session's filter chain.
// It also implements session.Upstream, writing reply packets straight
// back out the same DCB — the terminal "tail" every session is Start-ed
// with (spec.md §4.2 route_reply).
//
// Generalizes the teacher's relayMySQLTransactionMode client-read loop
// (internal/proxy/mysql_relay.go), which read one packet per blocking
// Read call; here the DCB hands back whatever arrived in one epoll-
// triggered chunk, so OnReadable must itself loop over complete packets
// and report how many bytes it consumed, leaving a partial trailing
// packet for the next call.
type clientHandler struct {
	sess    *session.Session
	d       *dcb.DCB
	metrics *metrics.Collector
	router  *Router
	onClose func(*session.Session)
}

// dcbWriter adapts dcb.DCB's error-only Write to io.Writer, which
// wire.WritePacket needs to frame multi-chunk payloads.
type dcbWriter struct{ d *dcb.DCB }

func (w *dcbWriter) Write(p []byte) (int, error) {
	if err := w.d.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// OnReadable implements dcb.Handler.
func (h *clientHandler) OnReadable(d *dcb.DCB, data []byte) (consumed int, err error) {
	for {
		payload, _, n, ok := wire.ReadPacketFromBytes(data[consumed:])
		if !ok {
			return consumed, nil
		}
		consumed += n
		h.sess.RouteQuery(buffer.New(payload))
		if h.sess.State() != session.StateStarted {
			return consumed, nil
		}
	}
}

// OnWritable implements dcb.Handler; nothing to do once queued output
// drains, the write path has no half-sent-statement state.
func (h *clientHandler) OnWritable(d *dcb.DCB) {}

// OnHangup implements dcb.Handler.
func (h *clientHandler) OnHangup(d *dcb.DCB) {
	h.sess.Kill(session.CloseNone)
	h.finish(d)
}

// OnError implements dcb.Handler.
func (h *clientHandler) OnError(d *dcb.DCB, err error) {
	slog.Warn("client connection error", "session", h.sess.ID, "err", err)
	h.sess.Kill(session.CloseHandleErrorFailed)
	h.finish(d)
}

func (h *clientHandler) finish(d *dcb.DCB) {
	for _, line := range h.sess.Trace.Dump() {
		slog.Info("session trace", "session", h.sess.ID, "event", line)
	}
	d.Close()
	h.router.Forget(h.sess.ID)
	if h.metrics != nil {
		h.metrics.SessionClosed(h.sess.CloseReason().String())
	}
	h.sess.Unref(func() {
		if h.onClose != nil {
			h.onClose(h.sess)
		}
	})
}

// RouteReply implements session.Upstream: frame and write the reply
// straight back to the client. Every reply packet restarts at sequence
// 1 (seq 0 was the client's own command packet), mirroring the
// teacher's sendMySQLOK's fixed seq=2-after-handshake convention
// generalized to "whatever the client's next expected sequence is";
// since this proxy answers one command at a time the sequence always
// begins at 1 for the first reply packet of a command and is
// incremented by WritePacket for any continuation chunks.
func (h *clientHandler) RouteReply(s *session.Session, buf *buffer.Buffer, source any) bool {
	w := &dcbWriter{d: h.d}
	if err := wire.WritePacket(w, buf.Data, 1); err != nil {
		slog.Warn("writing reply to client failed", "session", s.ID, "err", err)
		return false
	}
	return true
}
