// Package worker implements the fixed worker-thread pool and per-worker
// event loop described in spec §4.3/§5: an edge-triggered epoll reactor,
// a message queue for cross-worker posts, a timer queue, generation-
// tagged cancellation for deferred operations, and a bounded thread pool
// for blocking work dispatched off the hot path.
package worker

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler is registered with a Reactor for one file descriptor. Calls
// happen on the owning worker's own goroutine; a Handler must never
// block.
type Handler interface {
	FD() int
	OnReadable()
	OnWritable()
	OnError()
	OnHangup()
}

// Reactor is an edge-triggered epoll instance owning a set of Handlers,
// one per worker (spec §5: "a DCB is owned by exactly one worker for its
// lifetime"). Ported from the edge-triggered epoll loop in
// original_source/core/poll.c, generalized from a fixed DCB vtable
// dispatch to a Handler interface and from one shared epoll instance to
// one per worker.
type Reactor struct {
	epfd int

	mu       sync.Mutex
	handlers map[int]Handler
}

// NewReactor creates a new epoll instance.
func NewReactor() (*Reactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("worker: epoll_create1: %w", err)
	}
	return &Reactor{epfd: fd, handlers: make(map[int]Handler)}, nil
}

// Add registers h for edge-triggered read/write readiness.
func (r *Reactor) Add(h Handler) error {
	fd := h.FD()
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     int32(fd),
	}
	r.mu.Lock()
	r.handlers[fd] = h
	r.mu.Unlock()

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return fmt.Errorf("worker: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Remove unregisters the handler for fd. Safe to call during a handler's
// own callback.
func (r *Reactor) Remove(fd int) error {
	r.mu.Lock()
	_, ok := r.handlers[fd]
	delete(r.handlers, fd)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("worker: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Migrate moves a handler already owned by this reactor out, for the
// explicit cross-worker DCB migration the spec requires: unregister here,
// the caller re-registers the same Handler on the destination worker's
// Reactor. The handler accepts no events while unregistered from both.
func (r *Reactor) Migrate(fd int) (Handler, error) {
	r.mu.Lock()
	h, ok := r.handlers[fd]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker: no handler registered for fd %d", fd)
	}
	if err := r.Remove(fd); err != nil {
		return nil, err
	}
	return h, nil
}

// maxEvents bounds one epoll_wait batch, mirroring poll.c's MAX_EVENTS.
const maxEvents = 256

// Poll blocks for up to timeoutMillis (-1 blocks indefinitely, 0 returns
// immediately) and dispatches ready events to their Handlers. It returns
// the number of fds that had events.
func (r *Reactor) Poll(timeoutMillis int) (int, error) {
	var events [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("worker: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		r.mu.Lock()
		h, ok := r.handlers[fd]
		r.mu.Unlock()
		if !ok {
			continue
		}
		mask := events[i].Events
		if mask&unix.EPOLLERR != 0 {
			h.OnError()
			continue
		}
		if mask&unix.EPOLLHUP != 0 {
			h.OnHangup()
			continue
		}
		if mask&unix.EPOLLOUT != 0 {
			h.OnWritable()
		}
		if mask&unix.EPOLLIN != 0 {
			h.OnReadable()
		}
	}
	return n, nil
}

// Close releases the underlying epoll fd.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
