package housekeeper

import (
	"time"

	"github.com/dbbouncer/dbbouncer/internal/pool"
)

// RegisterStatsFlush schedules cb to run with every KeyedPool's current
// Stats on the given interval, replacing pool.Manager.StartStatsLoop's own
// goroutine+ticker with a task on the shared scheduler.
func (h *Housekeeper) RegisterStatsFlush(interval time.Duration, mgr *pool.Manager, cb func(pool.Stats)) {
	h.Add("pool-stats-flush", interval, func() bool {
		for _, s := range mgr.AllStats() {
			cb(s)
		}
		return true
	})
}

// IdleSession is the minimal surface RegisterSessionIdleSweep needs from a
// tracked session: how long it has sat idle.
type IdleSession interface {
	IdleFor() time.Duration
}

// SessionLister supplies the set of currently live sessions to sweep.
type SessionLister[S IdleSession] interface {
	Sessions() []S
}

// RegisterSessionIdleSweep schedules a sweep that closes every session
// idle for longer than maxIdle. Distinct from internal/pool's own idle
// reaping: that evicts idle backend connections sitting in the pool, this
// evicts client sessions that have stopped sending requests entirely
// (spec §4.5's "no current session" boundary only applies to backends
// once a session itself is gone).
func RegisterSessionIdleSweep[S IdleSession](h *Housekeeper, interval, maxIdle time.Duration, lister SessionLister[S], closeFn func(S) error, onErr func(S, error)) {
	h.Add("session-idle-sweep", interval, func() bool {
		for _, s := range lister.Sessions() {
			if s.IdleFor() < maxIdle {
				continue
			}
			if err := closeFn(s); err != nil && onErr != nil {
				onErr(s, err)
			}
		}
		return true
	})
}
