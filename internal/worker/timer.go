package worker

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled deferred callback. A min-heap keyed by
// deadline stands in for a true O(1) timer wheel: at the scale of one
// worker's backend-connect and replay timeouts, a heap of a few dozen
// pending timers is simpler and fast enough, and the spec's only
// observable requirement is "fires no earlier than its deadline, carries
// a generation, becomes a no-op if cancelled" — all of which a heap gives
// for free.
type timerEntry struct {
	deadline time.Time
	seq      uint64 // tiebreaker for heap stability
	fn       func()
	index    int // heap.Interface bookkeeping
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *timerQueue) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Timer is a handle returned by Worker.ScheduleAfter, usable to cancel a
// pending fire.
type Timer struct {
	entry *timerEntry
	w     *Worker
}

// Cancel prevents the timer from firing, if it has not already fired. A
// timer whose deadline has already passed and is queued for dispatch may
// still fire; callers relying on generation-tagged cancellation (the
// normal case for object teardown) are unaffected either way.
func (t *Timer) Cancel() {
	t.w.cancelTimer(t.entry)
}
