// Package session implements per-client session state (spec §3 Session,
// §4.5 lifecycle): the session-command history every attached backend
// must have executed a prefix of, the current master/slave backend
// references, prepared-statement target choices, and transaction state.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbbouncer/dbbouncer/internal/backend"
	"github.com/dbbouncer/dbbouncer/internal/classifier"
)

// TxnState is the session's current transaction phase.
type TxnState int

const (
	NoTransaction TxnState = iota
	TransactionOpen
	// OptimisticOnSlave is a transaction provisionally routed to a slave
	// under optimistic_trx, pending either a write statement (which
	// triggers migration to master) or a clean commit/rollback.
	OptimisticOnSlave
	// Replaying marks a transaction currently being replayed onto a new
	// master after a backend failure; new client statements are held, not
	// forwarded, while in this state.
	Replaying
)

// SessionCommand is one statement whose effect persists on a backend
// connection beyond the statement itself (spec §3 SessionCommand): `USE`,
// `SET`, character-set changes, prepared-statement preparation, `CHANGE
// USER`. Every backend a session uses must have executed some ordered
// prefix of the session's full SessionCommand history.
type SessionCommand struct {
	Payload []byte
	Mask    classifier.TypeMask
}

// PreparedStatement records a named or numbered prepared statement and
// the backend role it was prepared against, since subsequent EXECUTE must
// route to a backend that has seen the matching PREPARE.
type PreparedStatement struct {
	ID          uint32
	Name        string
	OnMaster    bool
	PreparedSQL string
}

// Session is the per-client connection's state, owned by exactly one
// worker (spec §5): no field is safe to read or write from any other
// goroutine without the worker's own synchronization, but a mutex is used
// here instead of a hard single-goroutine assumption to allow admin/stat
// readers to inspect a session concurrently.
type Session struct {
	mu sync.Mutex

	id        uuid.UUID
	Username  string
	DefaultDB string
	ConnAttrs map[string]string

	history  []SessionCommand
	prepared map[uint32]*PreparedStatement

	master *backend.Backend
	slave  *backend.Backend
	others map[string]*backend.Backend

	txn         TxnState
	txnOpenedAt time.Time

	lastActivity time.Time

	closed bool
}

// New creates a fresh Session for a just-authenticated client.
func New(username, defaultDB string, connAttrs map[string]string) *Session {
	return &Session{
		id:           uuid.New(),
		Username:     username,
		DefaultDB:    defaultDB,
		ConnAttrs:    connAttrs,
		prepared:     make(map[uint32]*PreparedStatement),
		others:       make(map[string]*backend.Backend),
		lastActivity: time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Touch records client activity, resetting the idle-duration clock that
// IdleFor reports.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// IdleFor reports how long it has been since the last client activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Master returns the session's current master backend, or nil.
func (s *Session) Master() *backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

// SetMaster attaches b as the session's master backend.
func (s *Session) SetMaster(b *backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = b
}

// Slave returns the session's current slave backend, or nil.
func (s *Session) Slave() *backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slave
}

// SetSlave attaches b as the session's slave backend.
func (s *Session) SetSlave(b *backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slave = b
}

// ClearSlave detaches and returns the session's slave backend without
// closing or releasing it; the caller decides its fate.
func (s *Session) ClearSlave() *backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.slave
	s.slave = nil
	return b
}

// AttachOther registers an additional backend (used for SESSION_WRITE
// fan-out targets beyond master/slave), keyed by server name.
func (s *Session) AttachOther(serverName string, b *backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.others[serverName] = b
}

// AllBackends returns every backend currently attached to the session:
// master, slave, and any fan-out targets, in that order.
func (s *Session) AllBackends() []*backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*backend.Backend, 0, 2+len(s.others))
	if s.master != nil {
		out = append(out, s.master)
	}
	if s.slave != nil {
		out = append(out, s.slave)
	}
	for _, b := range s.others {
		out = append(out, b)
	}
	return out
}

// RecordSessionCommand appends a statement to the session's command
// history and returns the new history length (the watermark a backend
// must reach to be considered fully replayed).
func (s *Session) RecordSessionCommand(payload []byte, mask classifier.TypeMask) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, SessionCommand{Payload: append([]byte(nil), payload...), Mask: mask})
	return len(s.history)
}

// HistoryLen reports the total number of recorded session commands.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// HistorySince returns the ordered slice of session commands a backend
// that has already executed `from` of them still needs to replay.
func (s *Session) HistorySince(from int) []SessionCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= len(s.history) {
		return nil
	}
	out := make([]SessionCommand, len(s.history)-from)
	copy(out, s.history[from:])
	return out
}

// SetPreparedStatement records where a prepared statement was prepared.
func (s *Session) SetPreparedStatement(id uint32, ps *PreparedStatement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared[id] = ps
}

// PreparedStatement looks up a previously prepared statement by id.
func (s *Session) PreparedStatement(id uint32) (*PreparedStatement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.prepared[id]
	return ps, ok
}

// ForgetPreparedStatement removes a prepared statement, e.g. on
// COM_STMT_CLOSE / DEALLOCATE.
func (s *Session) ForgetPreparedStatement(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prepared, id)
}

// TxnState returns the session's current transaction phase.
func (s *Session) TxnState() TxnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn
}

// BeginTransaction opens a transaction, optionally in OptimisticOnSlave
// phase when optimistic_trx routing applies.
func (s *Session) BeginTransaction(optimistic bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if optimistic {
		s.txn = OptimisticOnSlave
	} else {
		s.txn = TransactionOpen
	}
	s.txnOpenedAt = time.Now()
}

// PromoteOptimisticToMaster transitions an OptimisticOnSlave transaction
// to an ordinary master-bound open transaction, called when the first
// WRITE/SESSION_WRITE statement is seen.
func (s *Session) PromoteOptimisticToMaster() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == OptimisticOnSlave {
		s.txn = TransactionOpen
	}
}

// BeginReplay marks the transaction as actively replaying onto a new
// master; client statements must be held, not forwarded, while this
// holds.
func (s *Session) BeginReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn = Replaying
}

// EndReplay returns the transaction to the ordinary TransactionOpen
// phase once replay has completed successfully.
func (s *Session) EndReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn = TransactionOpen
}

// EndTransaction closes out the session's transaction on commit or
// rollback.
func (s *Session) EndTransaction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn = NoTransaction
	s.txnOpenedAt = time.Time{}
}

// TransactionAge reports how long the current transaction has been open.
func (s *Session) TransactionAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == NoTransaction {
		return 0
	}
	return time.Since(s.txnOpenedAt)
}

// MarkClosed flags the session as torn down; idempotent.
func (s *Session) MarkClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
