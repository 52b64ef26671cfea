// Package backend implements a session's handle to one backend Server: its
// connection state, the ordered response-queue used to reconcile pipelined
// replies, and the result-set sub-state machine used to tell when one
// logical reply has finished arriving.
package backend

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/mysql"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

// State is a Backend's connection lifecycle state.
type State int

const (
	Closed State = iota
	InUse
	FatalFailure
)

func (s State) String() string {
	switch s {
	case InUse:
		return "InUse"
	case FatalFailure:
		return "FatalFailure"
	default:
		return "Closed"
	}
}

// ResponseType classifies what a router expects a pipelined command's
// backend reply to do.
type ResponseType int

const (
	// ExpectClientBound replies are forwarded to the client, in the order
	// they were enqueued.
	ExpectClientBound ResponseType = iota
	// Ignore replies are consumed and checksummed against the primary
	// backend's ExpectClientBound reply for the same statement, but never
	// forwarded themselves (a SESSION_WRITE fan-out secondary).
	Ignore
	// NoResponse means no reply is expected at all; its arrival is a
	// protocol error.
	NoResponse
)

// queueEntry is one outstanding expected reply.
type queueEntry struct {
	responseType ResponseType
	command      byte
}

// resultState is the MariaDB resultset sub-state machine: it tracks
// whether a reply to one routed command is still in progress across
// multiple wire packets (column definitions, EOF, rows, final EOF/ERR).
type resultState int

const (
	stateFirstPacket resultState = iota
	stateField
	stateFieldEOF
	stateComFieldList
	stateRow
	stateDone
	stateErrorPacket
	stateErr
)

// Backend is a session's handle to one downstream Server connection.
type Backend struct {
	mu sync.Mutex

	Target *server.Server
	conn   net.Conn
	framer *mysql.Framer

	state State

	queue []queueEntry
	rs    resultState
	nCols int
	seen  int

	selectStart time.Time
	lastLatency time.Duration

	historySeen int

	lastErr error
}

// New wraps an already-authenticated connection to target as an InUse
// Backend. historySeen is the number of session commands this underlying
// connection has already executed (carried over from its prior life as a
// PooledConnection), so the caller knows what prefix of the session's
// command history still needs replaying.
func New(target *server.Server, conn net.Conn, historySeen int) *Backend {
	return &Backend{
		Target:      target,
		conn:        conn,
		framer:      mysql.NewFramer(),
		state:       InUse,
		historySeen: historySeen,
	}
}

// HistorySeen returns how many session commands, in order, this backend
// connection has executed.
func (b *Backend) HistorySeen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historySeen
}

// AdvanceHistory records that the backend has now executed n session
// commands in total.
func (b *Backend) AdvanceHistory(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.historySeen = n
}

// State returns the backend's current lifecycle state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Conn exposes the underlying connection for writers (the router writes
// routed commands directly; replies are read back through Feed/Reply).
func (b *Backend) Conn() net.Conn { return b.conn }

// MarkFatal transitions the backend to FatalFailure, recording err as the
// cause. Once fatal, a backend must not be returned to the pool or reused.
func (b *Backend) MarkFatal(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = FatalFailure
	b.lastErr = err
}

// LastError returns the error that caused a fatal transition, if any.
func (b *Backend) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Close releases the connection and marks the backend Closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Enqueue appends an expected response classification for a command of the
// given type just written to this backend's connection.
func (b *Backend) Enqueue(responseType ResponseType, command byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, queueEntry{responseType: responseType, command: command})
	if len(b.queue) == 1 {
		b.beginResultTracking(command)
	}
	if responseType != Ignore {
		b.selectStart = time.Now()
	}
}

// QueueDepth reports how many outstanding expected replies remain, used by
// the router to decide whether it is safe to pipeline the next statement
// (NoResponse/Ignore at the head do not block pipelining).
func (b *Backend) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// HeadBlocksPipelining reports whether the statement at the head of the
// queue must complete before another one is sent without waiting: only
// ExpectClientBound at the head blocks, per the spec's pipelining rule.
func (b *Backend) HeadBlocksPipelining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return false
	}
	return b.queue[0].responseType == ExpectClientBound
}

func (b *Backend) beginResultTracking(command byte) {
	if command == mysql.ComFieldList {
		b.rs = stateComFieldList
	} else {
		b.rs = stateFirstPacket
	}
	b.nCols = 0
	b.seen = 0
}

// ErrBackendProtocolError is returned by Advance when a reply arrives with
// no outstanding queue entry (NoResponse arrival, or a reply after Done).
var ErrBackendProtocolError = errors.New("backend: unexpected reply packet")

// Reply is one assembled application-level packet from Advance, tagged
// with the response classification it satisfies and whether it completes
// the logical reply (the router forwards/ignores/checksums accordingly,
// and only pops the queue head once Final is true).
type Reply struct {
	Payload      []byte
	ResponseType ResponseType
	Final        bool
}

// Advance feeds one physical reply packet read from the backend's
// connection into the resultset sub-state machine and reports the
// classified Reply, or ErrBackendProtocolError if the packet cannot be
// reconciled against the head of the queue.
func (b *Backend) Advance(payload []byte) (Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Reply{}, ErrBackendProtocolError
	}
	head := b.queue[0]
	if head.responseType == NoResponse {
		return Reply{}, ErrBackendProtocolError
	}

	if len(payload) > 0 && payload[0] == mysql.ErrPacket {
		b.popHead()
		b.rs = stateErrorPacket
		return Reply{Payload: payload, ResponseType: head.responseType, Final: true}, nil
	}

	final := b.step(payload)
	if final {
		b.popHead()
		if !b.selectStart.IsZero() {
			b.lastLatency = time.Since(b.selectStart)
		}
	}
	return Reply{Payload: payload, ResponseType: head.responseType, Final: final}, nil
}

// step advances the resultset sub-state machine by one packet and reports
// whether the logical reply is now complete, mirroring the FirstPacket ->
// Field -> FieldEof -> Row -> Done progression (plus the bare
// COM_FIELD_LIST form) used to recognise multi-packet replies.
func (b *Backend) step(payload []byte) bool {
	isEOF := mysql.IsEOFShort(payload)
	isOK := len(payload) > 0 && payload[0] == mysql.OKPacket

	switch b.rs {
	case stateFirstPacket:
		switch {
		case isOK:
			if mysql.StatusFlags(payload)&mysql.StatusMoreResultsExist != 0 {
				b.rs = stateFirstPacket
				return false
			}
			b.rs = stateDone
			return true
		default:
			// First byte is a length-encoded column count: a resultset is
			// starting.
			n, _ := decodeColumnCount(payload)
			b.nCols = n
			b.seen = 0
			b.rs = stateField
			return false
		}
	case stateField:
		b.seen++
		if b.seen == b.nCols {
			b.rs = stateFieldEOF
		}
		return false
	case stateFieldEOF:
		if isEOF {
			b.rs = stateRow
		}
		return false
	case stateComFieldList:
		if isEOF {
			b.rs = stateDone
			return true
		}
		return false
	case stateRow:
		if isEOF {
			if mysql.StatusFlags(payload)&mysql.StatusMoreResultsExist != 0 {
				b.rs = stateFirstPacket
				return false
			}
			b.rs = stateDone
			return true
		}
		return false
	default:
		return true
	}
}

func decodeColumnCount(payload []byte) (int, int) {
	if len(payload) == 0 {
		return 0, 0
	}
	switch b := payload[0]; {
	case b < 0xfb:
		return int(b), 1
	default:
		return 0, 1
	}
}

func (b *Backend) popHead() {
	if len(b.queue) > 0 {
		b.queue = b.queue[1:]
	}
	if len(b.queue) > 0 {
		b.beginResultTracking(b.queue[0].command)
	}
}

// LastLatency returns the most recently measured select-latency: the time
// between enqueueing a non-Ignore command and its final reply.
func (b *Backend) LastLatency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLatency
}
