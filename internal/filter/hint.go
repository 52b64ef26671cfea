package filter

import "bytes"

// routeHintMaster and routeHintSlave are the trailing-comment hint
// markers this filter recognizes, grounded on
// original_source/server/modules/filter/hint/hintfilter.c's MaxScale
// hint syntax (there: "-- maxscale route to master/slave"), reduced to
// the two route hints relevant once routing has moved from a hint filter
// module into internal/router's own state machine.
var (
	routeHintMaster = []byte("maxscale route to master")
	routeHintSlave  = []byte("maxscale route to slave")
)

// RouteHint is a routing hint parsed from a client's trailing SQL
// comment.
type RouteHint int

const (
	// NoHint means no recognized hint was present in the statement.
	NoHint RouteHint = iota
	HintMaster
	HintSlave
)

// Hint is a filter that parses the MaxScale hint comment syntax out of
// each outgoing statement without modifying the statement itself, and
// makes the most recently seen hint available via LastHint. A real
// router integration would consult LastHint ahead of
// router.SelectTarget; this filter only extracts the hint; it does not
// itself affect routing.
type Hint struct{}

// NewHint creates a Hint filter.
func NewHint() *Hint { return &Hint{} }

// Name implements Filter.
func (f *Hint) Name() string { return "hint" }

// NewSession implements Filter.
func (f *Hint) NewSession(sessionID string) FilterSession {
	return &hintSession{}
}

type hintSession struct {
	lastHint RouteHint
}

// LastHint returns the most recently parsed routing hint for this
// session, or NoHint if none has been seen.
func (s *hintSession) LastHint() RouteHint { return s.lastHint }

func (s *hintSession) RouteQuery(payload []byte, next Downstream) error {
	switch {
	case bytes.Contains(payload, routeHintMaster):
		s.lastHint = HintMaster
	case bytes.Contains(payload, routeHintSlave):
		s.lastHint = HintSlave
	}
	return next.RouteQuery(payload)
}

func (s *hintSession) ClientReply(payload []byte, next Upstream) error {
	return next.ClientReply(payload)
}

func (s *hintSession) Close() error { return nil }
