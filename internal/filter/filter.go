// Package filter implements the minimal ordered filter-chain contract of
// spec §9: a declared-order list of filters wrapping the router, each
// seeing every packet twice — once routed downstream toward the router,
// once on its reply upstream toward the client.
//
// Generalized from the fixed C vtable in
// original_source/server/modules/filter/nullfilter (mxs::Filter /
// mxs::FilterSession, one pair of routeQuery/clientReply virtual calls
// per filter session) into two small Go interfaces and a chain that
// threads each filter's own "next" continuation through as an explicit
// parameter, rather than wiring fixed next/prev pointers at session
// construction time.
package filter

// Downstream is the next hop a filter session routes a query to: either
// the next filter in the chain, or, at the tail, the router itself.
type Downstream interface {
	RouteQuery(payload []byte) error
}

// Upstream is the next hop a filter session sends a reply to: either the
// previous filter in the chain, or, at the head, the client connection.
type Upstream interface {
	ClientReply(payload []byte) error
}

// DownstreamFunc adapts a plain function to Downstream.
type DownstreamFunc func(payload []byte) error

// RouteQuery implements Downstream.
func (f DownstreamFunc) RouteQuery(payload []byte) error { return f(payload) }

// UpstreamFunc adapts a plain function to Upstream.
type UpstreamFunc func(payload []byte) error

// ClientReply implements Upstream.
func (f UpstreamFunc) ClientReply(payload []byte) error { return f(payload) }

// FilterSession is one filter's per-session state (mxs::FilterSession).
// RouteQuery and ClientReply are each handed the continuation to call
// when this filter is done with the packet; a filter that does not need
// to inspect or alter a direction at all (the common case) just forwards
// unconditionally, exactly like nullfilter's pass-through.
type FilterSession interface {
	RouteQuery(payload []byte, next Downstream) error
	ClientReply(payload []byte, next Upstream) error
	Close() error
}

// Filter is a plug-in module, created once at configuration time and
// instantiated per-session (mxs::Filter::newSession).
type Filter interface {
	Name() string
	NewSession(sessionID string) FilterSession
}

// Chain is an ordered, configuration-time list of Filters wrapping one
// service's router (spec §9, spec §4 step 3: "Filter chain instances are
// created in declared order; they compose as a singly-linked downstream
// and a singly-linked upstream").
type Chain struct {
	filters []Filter
}

// NewChain builds a Chain from filters in declared (outermost-first)
// order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: append([]Filter(nil), filters...)}
}

// Names returns the filter names in declared order, for admin/diagnostic
// surfaces.
func (c *Chain) Names() []string {
	out := make([]string, len(c.filters))
	for i, f := range c.filters {
		out[i] = f.Name()
	}
	return out
}

// NewSessionChain instantiates one FilterSession per filter for a new
// client session, in declared order.
func (c *Chain) NewSessionChain(sessionID string) *SessionChain {
	sessions := make([]FilterSession, len(c.filters))
	for i, f := range c.filters {
		sessions[i] = f.NewSession(sessionID)
	}
	return &SessionChain{sessions: sessions}
}

// SessionChain is one session's instantiated filter-session chain.
type SessionChain struct {
	sessions []FilterSession
}

// RouteQuery drives payload down through every filter session in
// declared order, finally handing it to router.
func (sc *SessionChain) RouteQuery(payload []byte, router Downstream) error {
	return sc.routeFrom(0, payload, router)
}

func (sc *SessionChain) routeFrom(i int, payload []byte, router Downstream) error {
	if i >= len(sc.sessions) {
		return router.RouteQuery(payload)
	}
	next := DownstreamFunc(func(p []byte) error { return sc.routeFrom(i+1, p, router) })
	return sc.sessions[i].RouteQuery(payload, next)
}

// ClientReply drives payload up through every filter session in reverse
// declared order, finally handing it to client.
func (sc *SessionChain) ClientReply(payload []byte, client Upstream) error {
	return sc.replyFrom(len(sc.sessions)-1, payload, client)
}

func (sc *SessionChain) replyFrom(i int, payload []byte, client Upstream) error {
	if i < 0 {
		return client.ClientReply(payload)
	}
	next := UpstreamFunc(func(p []byte) error { return sc.replyFrom(i-1, p, client) })
	return sc.sessions[i].ClientReply(payload, next)
}

// Close tears down every filter session in reverse declared order (spec
// §4 step 5: "filter-sessions close in reverse order"), returning the
// first error encountered but still attempting every session.
func (sc *SessionChain) Close() error {
	var firstErr error
	for i := len(sc.sessions) - 1; i >= 0; i-- {
		if err := sc.sessions[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
