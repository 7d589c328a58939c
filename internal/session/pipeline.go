package session

import "github.com/sqlrelay/sqlrelay/internal/buffer"

// Downstream is one hop in the request-direction chain: protocol ->
// filter1 -> ... -> filterN -> router (spec.md §3 Downstream/Upstream,
// §4.2 route_query).
//
// RouteQuery returns false to indicate the stage has taken
// responsibility for the exchange (often by calling SetResponse), in
// which case the session stays alive but no further Downstream in the
// chain runs for this buffer (spec.md §4.2/§7 propagation policy).
type Downstream interface {
	RouteQuery(s *Session, buf *buffer.Buffer) bool
}

// Upstream is one hop in the reply-direction chain, ending at the
// protocol writer.
type Upstream interface {
	RouteReply(s *Session, buf *buffer.Buffer, source any) bool
}

// DownstreamFunc adapts a plain function to Downstream.
type DownstreamFunc func(s *Session, buf *buffer.Buffer) bool

func (f DownstreamFunc) RouteQuery(s *Session, buf *buffer.Buffer) bool { return f(s, buf) }

// UpstreamFunc adapts a plain function to Upstream.
type UpstreamFunc func(s *Session, buf *buffer.Buffer, source any) bool

func (f UpstreamFunc) RouteReply(s *Session, buf *buffer.Buffer, source any) bool {
	return f(s, buf, source)
}

// Filter is a single link in the Downstream/Upstream chain that can
// forward, short-circuit, or drop a buffer (spec.md §4.2). Concrete
// filters (internal/filter) implement this and hold a reference to the
// next Downstream in the chain.
type Filter interface {
	Downstream
	// SetNext wires this filter's next hop, called once while assembling
	// the chain in Start.
	SetNext(next Downstream)
}

// Chain links filters in order, returning the head Downstream to pass to
// Session.Start. router is the terminal Downstream (and also implements
// Upstream for the reply direction via its own RouteReply).
func Chain(router Downstream, filters ...Filter) Downstream {
	if len(filters) == 0 {
		return router
	}
	for i := len(filters) - 1; i >= 0; i-- {
		if i == len(filters)-1 {
			filters[i].SetNext(router)
		} else {
			filters[i].SetNext(filters[i+1])
		}
	}
	return filters[0]
}

// SetResponse lets a filter short-circuit the downstream chain: instead
// of forwarding, it hands buf directly to the session's reply path as if
// it had arrived from upstream (spec.md §4.2 session_set_response).
func SetResponse(s *Session, buf *buffer.Buffer) {
	s.RouteReply(buf, nil)
}
