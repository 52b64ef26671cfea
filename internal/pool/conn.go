package pool

import (
	"net"
	"sync"
	"time"
)

// ConnState represents the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// PooledConnection is a backend socket that has completed the MariaDB
// handshake and authentication but currently has no owning session (spec
// §3 PooledConnection). It is keyed by Key and lives in the worker-local
// pool of whichever worker created or most recently stole it.
type PooledConnection struct {
	mu        sync.Mutex
	conn      net.Conn
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
	key       Key
	pool      *KeyedPool // back-reference for Return

	historySeen int // session commands already executed on this connection
}

// NewPooledConnection wraps an authenticated net.Conn for pool management.
func NewPooledConnection(conn net.Conn, key Key, p *KeyedPool) *PooledConnection {
	now := time.Now()
	return &PooledConnection{
		conn:      conn,
		state:     ConnStateIdle,
		createdAt: now,
		lastUsed:  now,
		key:       key,
		pool:      p,
	}
}

// Conn returns the underlying net.Conn.
func (pc *PooledConnection) Conn() net.Conn { return pc.conn }

// Key returns the credential/server key this connection was authenticated
// under.
func (pc *PooledConnection) Key() Key { return pc.key }

// SeenHistory returns how many session commands, in order, have already
// been executed on this connection across its lifetime in the pool.
func (pc *PooledConnection) SeenHistory() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.historySeen
}

// SetSeenHistory updates the session-command replay watermark for this
// connection. internal/proxy does not call it: a session closes its
// backend connections at teardown rather than returning them to the pool.
func (pc *PooledConnection) SetSeenHistory(n int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.historySeen = n
}

// MarkActive marks this connection as in-use.
func (pc *PooledConnection) MarkActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateActive
	pc.lastUsed = time.Now()
}

// MarkIdle marks this connection as idle (returned to the pool).
func (pc *PooledConnection) MarkIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateIdle
	pc.lastUsed = time.Now()
}

// State returns the current connection state.
func (pc *PooledConnection) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// CreatedAt returns when this connection was established.
func (pc *PooledConnection) CreatedAt() time.Time { return pc.createdAt }

// LastUsed returns when this connection was last acquired or returned.
func (pc *PooledConnection) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// IsExpired reports whether the connection has exceeded persistmaxtime.
func (pc *PooledConnection) IsExpired(persistMaxTime time.Duration) bool {
	if persistMaxTime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > persistMaxTime
}

// IsIdle reports whether the connection has been idle past idleTimeout.
func (pc *PooledConnection) IsIdle(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == ConnStateIdle && time.Since(pc.lastUsed) > idleTimeout
}

// Close closes the underlying connection and marks it closed.
func (pc *PooledConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateClosed
	return pc.conn.Close()
}

// Ping performs a lightweight liveness check: a 1-byte read under a short
// deadline. A timeout means the connection is alive with nothing pending;
// any other error means it is dead.
func (pc *PooledConnection) Ping() error {
	_ = pc.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := pc.conn.Read(buf)
	_ = pc.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

// Return releases this connection back to its owning pool.
func (pc *PooledConnection) Return() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}
