package worker

import (
	"container/heap"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// wakeHandler registers an eventfd with the reactor so that Post and
// ScheduleAfter can interrupt a blocked epoll_wait; its own readiness
// carries no payload worth dispatching, it only needs draining.
type wakeHandler struct {
	fd int
}

func (h *wakeHandler) FD() int      { return h.fd }
func (h *wakeHandler) OnWritable()  {}
func (h *wakeHandler) OnError()     {}
func (h *wakeHandler) OnHangup()    {}
func (h *wakeHandler) OnReadable() {
	var buf [8]byte
	_, _ = unix.Read(h.fd, buf[:])
}

// Worker is a single worker thread's event loop (spec §4.3, §5): one
// epoll reactor, a cross-worker message queue, a deferred-timer queue,
// and a bounded pool for blocking work. A Worker owns every Handler
// registered on its Reactor for that Handler's lifetime; ownership only
// changes via an explicit Reactor.Migrate/Add pair.
type Worker struct {
	id       int
	reactor  *Reactor
	blocking *BlockingPool

	wakeFD int

	msgCh chan func()

	timersMu sync.Mutex
	timers   timerQueue
	seq      uint64

	stopCh  chan struct{}
	stopped atomic.Bool
}

// Config bounds a Worker's blocking thread pool and message queue depth.
type Config struct {
	BlockingThreads int
	BlockingQueue   int
	MessageQueue    int
}

// DefaultConfig returns reasonable defaults for one worker.
func DefaultConfig() Config {
	return Config{BlockingThreads: 4, BlockingQueue: 256, MessageQueue: 1024}
}

// New creates a Worker with its own epoll reactor, not yet running.
func New(id int, cfg Config) (*Worker, error) {
	reactor, err := NewReactor()
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		reactor.Close()
		return nil, err
	}

	w := &Worker{
		id:       id,
		reactor:  reactor,
		blocking: NewBlockingPool(cfg.BlockingThreads, cfg.BlockingQueue),
		wakeFD:   wakeFD,
		msgCh:    make(chan func(), cfg.MessageQueue),
		stopCh:   make(chan struct{}),
	}
	if err := reactor.Add(&wakeHandler{fd: wakeFD}); err != nil {
		unix.Close(wakeFD)
		reactor.Close()
		return nil, err
	}
	return w, nil
}

// ID returns this worker's index in the fixed pool.
func (w *Worker) ID() int { return w.id }

// Reactor exposes the worker's epoll reactor so callers can register and
// unregister connection Handlers.
func (w *Worker) Reactor() *Reactor { return w.reactor }

// Blocking exposes the worker's bounded pool for blocking operations.
func (w *Worker) Blocking() *BlockingPool { return w.blocking }

func (w *Worker) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(w.wakeFD, buf[:])
}

// Post queues fn to run on this worker's own goroutine at its next loop
// iteration; this is the cross-worker message-send primitive (spec §5:
// "a PooledConnection... may be transferred to another worker by
// cross-worker message upon demand").
func (w *Worker) Post(fn func()) {
	w.msgCh <- fn
	w.wake()
}

// Defer is like Post but guarded by gen: fn only runs if gen has not
// been bumped since Defer was called, implementing the spec's
// generation-tagged cancellation for deferred operations.
func (w *Worker) Defer(gen *Generation, fn func()) {
	atGen := gen.Current()
	w.Post(guarded(gen, atGen, fn))
}

// ScheduleAfter arranges for fn to run on this worker's own goroutine
// after d, guarded by gen exactly like Defer. The returned Timer can
// cancel the fire before it happens.
func (w *Worker) ScheduleAfter(d time.Duration, gen *Generation, fn func()) *Timer {
	atGen := gen.Current()
	entry := &timerEntry{
		deadline: time.Now().Add(d),
		fn:       guarded(gen, atGen, fn),
	}

	w.timersMu.Lock()
	w.seq++
	entry.seq = w.seq
	heap.Push(&w.timers, entry)
	w.timersMu.Unlock()

	w.wake()
	return &Timer{entry: entry, w: w}
}

func (w *Worker) cancelTimer(e *timerEntry) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	if e.index >= 0 && e.index < len(w.timers) && w.timers[e.index] == e {
		heap.Remove(&w.timers, e.index)
	}
}

// nextDeadline reports the earliest pending timer's deadline, if any.
func (w *Worker) nextDeadline() (time.Time, bool) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	if len(w.timers) == 0 {
		return time.Time{}, false
	}
	return w.timers[0].deadline, true
}

// fireDueTimers pops and runs every timer whose deadline has passed.
func (w *Worker) fireDueTimers() {
	now := time.Now()
	for {
		w.timersMu.Lock()
		if len(w.timers) == 0 || w.timers[0].deadline.After(now) {
			w.timersMu.Unlock()
			return
		}
		e := heap.Pop(&w.timers).(*timerEntry)
		w.timersMu.Unlock()
		e.fn()
	}
}

// drainMessages runs every message currently queued, without blocking for
// more to arrive.
func (w *Worker) drainMessages() {
	for {
		select {
		case fn := <-w.msgCh:
			fn()
		default:
			return
		}
	}
}

// pollTimeoutMillis computes the epoll_wait timeout: 0 if a timer is
// already due, the time until the next deadline if one is pending, or -1
// (block indefinitely) otherwise. Mirrors poll.c's two-phase
// zero-then-timed epoll_wait, collapsed into one computed timeout since
// Go's epoll_wait wrapper has no separate cheap zero-timeout fast path to
// preserve.
func (w *Worker) pollTimeoutMillis() int {
	next, ok := w.nextDeadline()
	if !ok {
		return -1
	}
	d := time.Until(next)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return int(ms)
}

// Run executes the worker's event loop until Stop is called. It must be
// called from the goroutine that is to become this worker's owning
// goroutine; every Handler, Post, and Defer callback registered with
// this Worker runs exclusively on that goroutine (spec §5: "per-worker
// state: no locks").
func (w *Worker) Run() {
	for {
		if w.stopped.Load() {
			return
		}
		if _, err := w.reactor.Poll(w.pollTimeoutMillis()); err != nil {
			continue
		}
		w.drainMessages()
		w.fireDueTimers()
	}
}

// Stop requests the event loop to exit after its current iteration and
// stops the blocking pool; the epoll instance and wake eventfd stay open
// until Close. Safe to call once, from any goroutine.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stopCh)
	w.wake()
	w.blocking.Stop()
}

// Close releases the reactor's epoll fd and the wake eventfd. Call after
// Run has returned.
func (w *Worker) Close() error {
	unix.Close(w.wakeFD)
	return w.reactor.Close()
}
