package worker

import "sync/atomic"

// Generation implements the spec §5 cancellation rule: "every deferred
// operation carries a generation id matching the owning object. On
// object destruction, the generation is bumped and the deferred
// operation becomes a no-op on fire." One Generation is owned by one
// long-lived object (a session, a DCB); Bump is called exactly once, at
// teardown.
type Generation struct {
	v atomic.Uint64
}

// Current returns the generation's present value.
func (g *Generation) Current() uint64 { return g.v.Load() }

// Bump invalidates every deferred operation captured before this call.
func (g *Generation) Bump() uint64 { return g.v.Add(1) }

// guarded wraps fn so it only runs if gen is still at the value it held
// when the deferred operation was scheduled.
func guarded(gen *Generation, atGen uint64, fn func()) func() {
	return func() {
		if gen.Current() == atGen {
			fn()
		}
	}
}
