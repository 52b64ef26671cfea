package filter

// PassThrough is a no-op Filter that forwards every packet unchanged in
// both directions, directly grounded on
// original_source/server/modules/filter/nullfilter: a filter module that
// exists to prove the chain mechanism works without altering traffic.
// Useful as a chain placeholder and as a reference implementation for new
// filters.
type PassThrough struct {
	name string
}

// NewPassThrough creates a named pass-through filter.
func NewPassThrough(name string) *PassThrough {
	return &PassThrough{name: name}
}

// Name implements Filter.
func (f *PassThrough) Name() string { return f.name }

// NewSession implements Filter.
func (f *PassThrough) NewSession(sessionID string) FilterSession {
	return passThroughSession{}
}

type passThroughSession struct{}

func (passThroughSession) RouteQuery(payload []byte, next Downstream) error {
	return next.RouteQuery(payload)
}

func (passThroughSession) ClientReply(payload []byte, next Upstream) error {
	return next.ClientReply(payload)
}

func (passThroughSession) Close() error { return nil }
