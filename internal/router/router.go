// Package router implements the read-write-split routing algorithm (spec
// §4.7): per-statement target selection between a service's master and
// slave servers, session-command fan-out with Ignore-reply checksum
// reconciliation, and the bookkeeping hooks optimistic_trx and
// transaction replay build on.
package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dbbouncer/dbbouncer/internal/backend"
	"github.com/dbbouncer/dbbouncer/internal/classifier"
	"github.com/dbbouncer/dbbouncer/internal/server"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

// Role is the backend role a statement was routed to.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
	// RoleHold means the session is currently replaying a failed
	// transaction; the statement must be queued by the caller, not routed.
	RoleHold
)

func (r Role) String() string {
	switch r {
	case RoleSlave:
		return "slave"
	case RoleHold:
		return "hold"
	default:
		return "master"
	}
}

// writeClasses is the set of type-mask bits that force routing to master
// (spec §4.7 step 2).
const writeClasses = classifier.Write | classifier.SessionWrite | classifier.UserVarWrite |
	classifier.SysVarWrite | classifier.GSysVarWrite | classifier.CreateTmpTable

// Decision is the outcome of routing one statement.
type Decision struct {
	Role Role
	// FanOut is true for SESSION_WRITE statements: a copy must also be
	// routed to every other backend attached to the session, with
	// response type Ignore on all but the primary.
	FanOut bool
	// Migrate is true exactly once: the statement that ends an
	// optimistic_trx slave-tentative transaction by being the first
	// WRITE/SESSION_WRITE statement seen. The caller must roll back the
	// slave-side transaction, open a fresh one on master, replay the
	// transaction log so far, and only then send this statement.
	Migrate bool
}

// Config holds the service-level routing parameters (spec §6 `alter
// service`) relevant to target selection; replay-specific parameters live
// in internal/replay.
type Config struct {
	OptimisticTrx bool
	// SlaveRequireDiskOK mirrors whether slave_conditions includes a
	// disk-space requirement.
	SlaveRequireDiskOK bool
	// MaxSlaveReplicationLag is the usability ceiling from
	// max_slave_replication_lag; zero means no ceiling.
	MaxSlaveReplicationLag time.Duration
}

// snapshot is the immutable, atomically-swapped view of which servers
// back which service, generalizing the teacher's tenant map to a
// service -> ordered server-list model (spec §5: "a spinlock guarding the
// linked list while constructing snapshots").
type snapshot struct {
	services map[string][]*server.Server
	paused   map[string]bool
}

// Router resolves a service name and per-statement type mask to a target
// backend role. Reads (Servers, IsPaused, SelectTarget) are lock-free via
// atomic.Pointer; mutations serialize on a write mutex and swap in a new
// snapshot, following the teacher's routerSnapshot/atomic.Value pattern.
type Router struct {
	cfg atomic.Pointer[Config]

	snap atomic.Pointer[snapshot]
	wmu  sync.Mutex

	rr atomic.Uint64 // round-robin cursor shared across services for slave selection
}

// New creates a Router with no services registered yet.
func New(cfg Config) *Router {
	r := &Router{}
	r.cfg.Store(&cfg)
	r.snap.Store(&snapshot{
		services: make(map[string][]*server.Server),
		paused:   make(map[string]bool),
	})
	return r
}

// SetConfig atomically replaces the service's routing parameters (spec §6
// `alter service`), taking effect for the next statement routed; in-flight
// SelectTarget calls keep using whichever config snapshot they already
// loaded.
func (r *Router) SetConfig(cfg Config) {
	r.cfg.Store(&cfg)
}

func (r *Router) load() *snapshot { return r.snap.Load() }

func (r *Router) cloneSnap() *snapshot {
	cur := r.load()
	newServices := make(map[string][]*server.Server, len(cur.services))
	for svc, servers := range cur.services {
		cp := make([]*server.Server, len(servers))
		copy(cp, servers)
		newServices[svc] = cp
	}
	newPaused := make(map[string]bool, len(cur.paused))
	for svc, v := range cur.paused {
		newPaused[svc] = v
	}
	return &snapshot{services: newServices, paused: newPaused}
}

// AddServer links srv into service's ordered server list (spec §6
// `link service <svc> server <srv>`). A server already linked is not
// duplicated.
func (r *Router) AddServer(service string, srv *server.Server) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	for _, existing := range s.services[service] {
		if existing.Name == srv.Name {
			r.snap.Store(s)
			return
		}
	}
	s.services[service] = append(s.services[service], srv)
	r.snap.Store(s)
}

// RemoveServer unlinks a server by name from a service.
func (r *Router) RemoveServer(service, name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	servers, ok := cur.services[service]
	if !ok {
		return false
	}
	idx := -1
	for i, srv := range servers {
		if srv.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}

	s := r.cloneSnap()
	list := s.services[service]
	s.services[service] = append(list[:idx], list[idx+1:]...)
	r.snap.Store(s)
	return true
}

// Servers returns the ordered server list backing a service.
func (r *Router) Servers(service string) []*server.Server {
	cur := r.load().services[service]
	out := make([]*server.Server, len(cur))
	copy(out, cur)
	return out
}

// PauseService marks a service paused: new sessions should be refused
// (enforced by the caller; Router only tracks the flag).
func (r *Router) PauseService(service string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.services[service]; !ok {
		return false
	}
	s := r.cloneSnap()
	s.paused[service] = true
	r.snap.Store(s)
	return true
}

// ResumeService clears a service's paused flag.
func (r *Router) ResumeService(service string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.services[service]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.paused, service)
	r.snap.Store(s)
	return true
}

// IsPaused reports whether a service is currently paused. Lock-free.
func (r *Router) IsPaused(service string) bool {
	return r.load().paused[service]
}

// ErrNoUsableMaster is returned when a service has no Server currently
// usable as a write target (pool exhaustion at the routing layer, spec §7).
var ErrNoUsableMaster = errors.New("router: no usable master backend")

func (r *Router) pickMaster(service string) (*server.Server, bool) {
	for _, srv := range r.load().services[service] {
		if srv.UsableAsMaster() {
			return srv, true
		}
	}
	return nil, false
}

func (r *Router) pickSlave(service string) (*server.Server, bool) {
	servers := r.load().services[service]
	usable := make([]*server.Server, 0, len(servers))
	cfg := r.cfg.Load()
	for _, srv := range servers {
		if srv.UsableAsSlave(cfg.SlaveRequireDiskOK, cfg.MaxSlaveReplicationLag) {
			usable = append(usable, srv)
		}
	}
	if len(usable) == 0 {
		return nil, false
	}
	idx := r.rr.Add(1) % uint64(len(usable))
	return usable[idx], true
}

// SelectTarget implements the spec §4.7 target-selection algorithm for
// one statement. It mutates sess's transaction phase as a side effect
// (opening, pinning, or ending a transaction) but performs no I/O; the
// caller is responsible for acting on the returned Decision.
func (r *Router) SelectTarget(service string, sess *session.Session, mask classifier.TypeMask) (Decision, error) {
	switch sess.TxnState() {
	case session.Replaying:
		return Decision{Role: RoleHold}, nil

	case session.TransactionOpen:
		// An explicit transaction already pinned to master: every
		// statement until COMMIT/ROLLBACK stays on master.
		if mask.Any(classifier.Commit | classifier.Rollback) {
			sess.EndTransaction()
		}
		return r.decideFor(service, RoleMaster, mask)

	case session.OptimisticOnSlave:
		if mask.Any(writeClasses) {
			sess.PromoteOptimisticToMaster()
			d, err := r.decideFor(service, RoleMaster, mask)
			d.Migrate = true
			return d, err
		}
		if mask.Any(classifier.Commit | classifier.Rollback) {
			sess.EndTransaction()
		}
		return r.decideFor(service, RoleSlave, mask)
	}

	// No open transaction.
	if mask.Has(classifier.BeginTrx) {
		if r.cfg.Load().OptimisticTrx {
			sess.BeginTransaction(true)
			return r.decideFor(service, RoleSlave, mask)
		}
		sess.BeginTransaction(false)
		return r.decideFor(service, RoleMaster, mask)
	}

	if mask.Any(writeClasses) {
		return r.decideFor(service, RoleMaster, mask)
	}

	if mask.Has(classifier.Read) {
		if _, ok := r.pickSlave(service); ok {
			return r.decideFor(service, RoleSlave, mask)
		}
	}

	return r.decideFor(service, RoleMaster, mask)
}

// decideFor resolves a chosen Role into a concrete Decision, verifying a
// usable backend actually exists for that role and setting FanOut for
// SESSION_WRITE statements.
func (r *Router) decideFor(service string, role Role, mask classifier.TypeMask) (Decision, error) {
	switch role {
	case RoleMaster:
		if _, ok := r.pickMaster(service); !ok {
			return Decision{}, fmt.Errorf("%w: service %q", ErrNoUsableMaster, service)
		}
	case RoleSlave:
		if _, ok := r.pickSlave(service); !ok {
			// No usable slave: fall back to master, per step 4.
			if _, ok := r.pickMaster(service); !ok {
				return Decision{}, fmt.Errorf("%w: service %q", ErrNoUsableMaster, service)
			}
			role = RoleMaster
		}
	}
	return Decision{Role: role, FanOut: mask.Has(classifier.SessionWrite)}, nil
}

// Target resolves the concrete Server a Decision's role maps to right
// now (servers can lose Master/Slave status between SelectTarget and
// acquisition; callers should treat a nil, false return as pool
// exhaustion).
func (r *Router) Target(service string, role Role) (*server.Server, bool) {
	switch role {
	case RoleSlave:
		return r.pickSlave(service)
	default:
		return r.pickMaster(service)
	}
}

// FanOutTargets returns every backend attached to sess other than
// primary, for SESSION_WRITE fan-out (spec §4.7 step 5).
func FanOutTargets(sess *session.Session, primary *backend.Backend) []*backend.Backend {
	all := sess.AllBackends()
	out := make([]*backend.Backend, 0, len(all))
	for _, b := range all {
		if b != primary {
			out = append(out, b)
		}
	}
	return out
}

// ErrFanOutMismatch is returned by ReconcileFanOut when a secondary
// backend's reply checksum diverges from the primary's, per spec §4.7's
// reply-reconciliation rule: such a divergence is fatal to the session.
var ErrFanOutMismatch = errors.New("router: fan-out reply checksum mismatch")

// ChecksumReply computes the consistency checksum used to compare a
// SESSION_WRITE statement's primary ExpectClientBound reply against its
// Ignore-typed secondary replies.
func ChecksumReply(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// ReconcileFanOut compares a secondary backend's Ignore reply against the
// primary's already-computed checksum, returning ErrFanOutMismatch on
// divergence.
func ReconcileFanOut(primaryChecksum uint64, secondaryPayload []byte) error {
	if ChecksumReply(secondaryPayload) != primaryChecksum {
		return ErrFanOutMismatch
	}
	return nil
}
