package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// pipeHandler is a minimal Handler backed by one end of a socketpair, used
// to exercise the reactor's dispatch from a real event loop without
// depending on any higher-level connection type.
type pipeHandler struct {
	fd        int
	readCount atomic.Int64
	readCh    chan struct{}
}

func (h *pipeHandler) FD() int     { return h.fd }
func (h *pipeHandler) OnWritable() {}
func (h *pipeHandler) OnError()    {}
func (h *pipeHandler) OnHangup()   {}
func (h *pipeHandler) OnReadable() {
	var buf [64]byte
	for {
		n, err := unix.Read(h.fd, buf[:])
		if n > 0 {
			h.readCount.Add(1)
		}
		if err != nil || n == 0 {
			break
		}
	}
	select {
	case h.readCh <- struct{}{}:
	default:
	}
}

func newSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := New(0, Config{BlockingThreads: 2, BlockingQueue: 8, MessageQueue: 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		w.Stop()
		w.Close()
	})
	return w
}

func TestReactorDispatchesReadableEvent(t *testing.T) {
	w := newTestWorker(t)
	a, b := newSocketPair(t)

	h := &pipeHandler{fd: a, readCh: make(chan struct{}, 1)}
	if err := w.Reactor().Add(h); err != nil {
		t.Fatalf("Add: %v", err)
	}

	go w.Run()

	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-h.readCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnReadable dispatch")
	}
	if h.readCount.Load() == 0 {
		t.Fatal("expected at least one read")
	}
}

func TestPostRunsOnWorkerGoroutine(t *testing.T) {
	w := newTestWorker(t)
	go w.Run()

	done := make(chan struct{})
	w.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted function never ran")
	}
}

func TestScheduleAfterFires(t *testing.T) {
	w := newTestWorker(t)
	go w.Run()

	gen := &Generation{}
	fired := make(chan struct{})
	w.ScheduleAfter(20*time.Millisecond, gen, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestScheduleAfterCancelPreventsFire(t *testing.T) {
	w := newTestWorker(t)
	go w.Run()

	gen := &Generation{}
	var ran atomic.Bool
	timer := w.ScheduleAfter(50*time.Millisecond, gen, func() { ran.Store(true) })
	timer.Cancel()

	time.Sleep(150 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled timer fired anyway")
	}
}

func TestGenerationBumpSuppressesDeferredOp(t *testing.T) {
	w := newTestWorker(t)

	gen := &Generation{}
	var ran atomic.Bool
	w.Defer(gen, func() { ran.Store(true) })
	gen.Bump()
	go w.Run()

	done := make(chan struct{})
	w.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("marker message never ran")
	}

	if ran.Load() {
		t.Fatal("deferred op ran after its generation was bumped")
	}
}

func TestBlockingPoolSubmitRunsAllTasks(t *testing.T) {
	w := newTestWorker(t)

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		if err := w.Blocking().Submit(func() { wg.Done() }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking pool tasks never completed")
	}
}

func TestBlockingPoolSubmitReturnsErrQueueFullWhenSaturated(t *testing.T) {
	p := NewBlockingPool(1, 1)
	defer p.Stop()

	block := make(chan struct{})
	running := make(chan struct{})
	if err := p.Submit(func() { close(running); <-block }); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	<-running // ensure the single worker goroutine has dequeued it

	// Fill the single queue slot behind the task currently running.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	err := p.Submit(func() {})
	close(block)
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
