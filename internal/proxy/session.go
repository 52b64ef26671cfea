package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/backend"
	"github.com/dbbouncer/dbbouncer/internal/classifier"
	"github.com/dbbouncer/dbbouncer/internal/filter"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/mysql"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/replay"
	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

const serverVersion = "8.0.34-dbbouncer"

// nextConnectionID hands out unique connection IDs for server handshakes
// across every clientSession, mirroring MariaDB's per-connection thread id.
var nextConnectionID atomic.Uint32

// clientSession owns one accepted client connection end to end: the
// client-terminated handshake, the command loop, routing each statement
// through the service's filter chain and router, and replaying an open
// transaction after a backend failure. It is the proxy-side counterpart
// of the teacher's ConnectionHandler, generalized from a blind byte relay
// to a protocol-aware state machine (spec §4).
type clientSession struct {
	conn      net.Conn
	rt        *ServiceRuntime
	poolMgr   *pool.Manager
	metrics   *metrics.Collector
	health    *health.Checker
	partition int

	sess      *session.Session
	chain     *filter.SessionChain
	replayLog *replay.Log

	ctx       context.Context
	clientSeq byte
}

func newClientSession(conn net.Conn, rt *ServiceRuntime, poolMgr *pool.Manager, m *metrics.Collector, hc *health.Checker) *clientSession {
	return &clientSession{
		conn:      conn,
		rt:        rt,
		poolMgr:   poolMgr,
		metrics:   m,
		health:    hc,
		partition: int(time.Now().UnixNano() % int64(poolMgr.NumPartitions())),
		replayLog: replay.NewLog(rt.Cfg.Replay.MaxLogSize),
	}
}

// serve runs the client-terminated handshake and then the command loop
// until the client disconnects or an unrecoverable protocol error occurs.
func (cs *clientSession) serve(ctx context.Context) error {
	cs.ctx = ctx
	if err := cs.handshake(); err != nil {
		return fmt.Errorf("proxy: handshake: %w", err)
	}
	defer cs.teardown()

	for {
		pkt, err := mysql.ReadPacket(cs.conn)
		if err != nil {
			return err
		}
		cs.sess.Touch()
		if pkt.Empty() {
			continue
		}
		if err := cs.dispatch(pkt.Payload); err != nil {
			if err == errClientQuit {
				return nil
			}
			return err
		}
	}
}

func (cs *clientSession) teardown() {
	if cs.chain != nil {
		if err := cs.chain.Close(); err != nil {
			slog.Debug("filter chain close error", "error", err)
		}
	}
	for _, b := range cs.sess.AllBackends() {
		b.Conn().Close()
	}
	cs.sess.MarkClosed()
}

// handshake authenticates the client against the service's single
// backend account (spec's service-user model: the proxy itself owns
// client authentication rather than forwarding a real backend's
// handshake, so one client credential maps to many pooled backend
// connections that share the service account).
func (cs *clientSession) handshake() error {
	scramble, err := mysql.RandomScramble()
	if err != nil {
		return err
	}
	connID := nextConnectionID.Add(1)
	if err := mysql.WritePacket(cs.conn, mysql.BuildServerHandshake(serverVersion, connID, scramble), 0); err != nil {
		return err
	}

	pkt, err := mysql.ReadPacket(cs.conn)
	if err != nil {
		return err
	}
	// ParseClientHandshakeResponse only inspects payload bytes beyond
	// offset 4 (it keeps the header for potential re-forwarding, which
	// this proxy never needs), so the 4-byte prefix content is immaterial.
	resp, err := mysql.ParseClientHandshakeResponse(append(make([]byte, 4), pkt.Payload...))
	if err != nil {
		return err
	}

	if resp.Username != cs.rt.Cfg.User {
		cs.writeErrPacketSeq(pkt.Seq+1, 1045, "28000", "Access denied for user")
		return fmt.Errorf("proxy: unknown username %q for service %q", resp.Username, cs.rt.Name)
	}
	want := mysql.NativePasswordHash([]byte(cs.rt.Cfg.Password), scramble)
	if !bytesEqual(resp.AuthData, want) {
		cs.writeErrPacketSeq(pkt.Seq+1, 1045, "28000", "Access denied for user")
		return fmt.Errorf("proxy: bad password for user %q", resp.Username)
	}

	defaultDB := resp.Database
	if defaultDB == "" {
		defaultDB = cs.rt.Cfg.DefaultDB
	}
	cs.sess = session.New(resp.Username, defaultDB, nil)
	cs.chain = cs.rt.Filters.NewSessionChain(cs.sess.ID().String())

	return mysql.WritePacket(cs.conn, mysql.BuildOKPacket(0), pkt.Seq+2)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dispatch classifies one client command packet and routes it. Textual
// commands (COM_QUERY, COM_STMT_PREPARE) are classified from their SQL
// text; binary protocol commands carry no parseable SQL, so their type
// mask is synthesized here instead (spec §4.7 note on binary commands).
func (cs *clientSession) dispatch(payload []byte) error {
	cmd := payload[0]
	switch cmd {
	case mysql.ComQuit:
		return errClientQuit

	case mysql.ComQuery:
		sql := string(payload[1:])
		return cs.routeAndForward(payload, classifier.Classify(sql))

	case mysql.ComInitDB:
		return cs.routeAndForward(payload, classifier.SessionWrite)

	case mysql.ComFieldList:
		return cs.routeAndForward(payload, classifier.Read)

	case mysql.ComPing:
		return cs.routeAndForward(payload, classifier.Read)

	case mysql.ComSetOption, mysql.ComResetConnection:
		return cs.routeAndForward(payload, classifier.SessionWrite)

	case mysql.ComStmtPrepare:
		return cs.handlePrepare(payload)

	case mysql.ComStmtExecute:
		return cs.handleExecute(payload)

	case mysql.ComStmtClose:
		return cs.handleStmtClose(payload)

	default:
		// Unrecognised command: route conservatively to master.
		return cs.routeAndForward(payload, classifier.Write)
	}
}

var errClientQuit = fmt.Errorf("proxy: client sent COM_QUIT")

func (cs *clientSession) handlePrepare(payload []byte) error {
	sql := string(payload[1:])
	mask := classifier.Classify(sql) | classifier.PrepareNamedStmt

	decision, b, err := cs.selectAndAcquire(mask)
	if err != nil {
		return cs.sendRoutingError(err)
	}
	reply, err := cs.forwardTo(b, payload, mask, decision)
	if err != nil {
		return err
	}
	if len(reply) >= 5 && reply[0] == mysql.OKPacket {
		id := binary.LittleEndian.Uint32(reply[1:5])
		cs.sess.SetPreparedStatement(id, &session.PreparedStatement{
			ID:          id,
			OnMaster:    decision.Role != router.RoleSlave,
			PreparedSQL: sql,
		})
	}
	return cs.chain.ClientReply(reply, filter.UpstreamFunc(cs.writeToClient))
}

func (cs *clientSession) handleExecute(payload []byte) error {
	if len(payload) < 5 {
		return cs.sendRoutingError(fmt.Errorf("proxy: malformed COM_STMT_EXECUTE"))
	}
	id := binary.LittleEndian.Uint32(payload[1:5])
	ps, ok := cs.sess.PreparedStatement(id)
	if !ok {
		return cs.sendRoutingError(fmt.Errorf("proxy: unknown statement id %d", id))
	}
	role := router.RoleSlave
	if ps.OnMaster {
		role = router.RoleMaster
	}
	// EXECUTE must stay on whichever role the matching PREPARE ran
	// against, so it deliberately bypasses SelectTarget's fresh decision
	// instead of reclassifying the binary payload.
	b, err := cs.backendFor(role)
	if err != nil {
		return cs.sendRoutingError(err)
	}
	reply, err := cs.forwardTo(b, payload, classifier.ExecStmt, router.Decision{Role: role})
	if err != nil {
		return err
	}
	return cs.chain.ClientReply(reply, filter.UpstreamFunc(cs.writeToClient))
}

func (cs *clientSession) handleStmtClose(payload []byte) error {
	if len(payload) < 5 {
		return nil
	}
	id := binary.LittleEndian.Uint32(payload[1:5])
	ps, ok := cs.sess.PreparedStatement(id)
	cs.sess.ForgetPreparedStatement(id)
	if !ok {
		return nil
	}
	role := router.RoleSlave
	if ps.OnMaster {
		role = router.RoleMaster
	}
	b, err := cs.backendFor(role)
	if err != nil {
		// Nothing to deallocate on a backend we no longer hold; safe to
		// ignore since COM_STMT_CLOSE never gets a reply either way.
		return nil
	}
	// COM_STMT_CLOSE never gets a reply from the backend, so it is fired
	// without an Enqueue entry: enqueuing it would leave a NoResponse
	// head that nothing ever pops, desynchronizing the next command's
	// reply against this backend's queue.
	_ = mysql.WritePacket(b.Conn(), payload, cs.nextBackendSeq(b))
	return nil
}

// routeAndForward drives payload through the filter chain, finally
// resolving a target and forwarding it to a backend via the terminal
// Downstream closure (spec §9: the filter chain's tail is the router
// itself).
func (cs *clientSession) routeAndForward(payload []byte, mask classifier.TypeMask) error {
	return cs.chain.RouteQuery(payload, filter.DownstreamFunc(func(p []byte) error {
		decision, b, err := cs.selectAndAcquire(mask)
		if err != nil {
			return cs.sendRoutingError(err)
		}
		reply, err := cs.forwardTo(b, p, mask, decision)
		if err != nil {
			return err
		}
		return cs.chain.ClientReply(reply, filter.UpstreamFunc(cs.writeToClient))
	}))
}

// selectAndAcquire resolves a routing Decision and the backend it maps
// to, migrating an optimistic transaction to master first when the
// Decision calls for it.
func (cs *clientSession) selectAndAcquire(mask classifier.TypeMask) (router.Decision, *backend.Backend, error) {
	decision, err := cs.rt.Router.SelectTarget(cs.rt.Name, cs.sess, mask)
	if err != nil {
		return decision, nil, err
	}
	if decision.Role == router.RoleHold {
		return decision, nil, fmt.Errorf("proxy: session is replaying a failed transaction, statement rejected")
	}
	if decision.Migrate {
		if err := cs.migrateToMaster(); err != nil {
			return decision, nil, err
		}
	}
	b, err := cs.backendFor(decision.Role)
	if err != nil {
		return decision, nil, err
	}
	if cs.metrics != nil {
		cs.metrics.RoutingDecision(cs.rt.Name, decision.Role.String())
	}
	return decision, b, nil
}

// backendFor returns the session's already-attached backend for role, or
// acquires and attaches a fresh one from the pool, catching it up on any
// session-command history it missed.
func (cs *clientSession) backendFor(role router.Role) (*backend.Backend, error) {
	if role == router.RoleSlave {
		if b := cs.sess.Slave(); b != nil {
			return b, nil
		}
	} else {
		if b := cs.sess.Master(); b != nil {
			return b, nil
		}
	}

	srv, ok := cs.rt.Router.Target(cs.rt.Name, role)
	if !ok {
		return nil, fmt.Errorf("proxy: no usable %s backend for service %q", role, cs.rt.Name)
	}
	key := pool.NewKey(srv.Name, cs.rt.Cfg.User, cs.rt.Cfg.Password, cs.rt.Cfg.DefaultDB, cs.sess.ConnAttrs)

	start := time.Now()
	pc, err := cs.poolMgr.Acquire(cs.ctx, cs.partition, key)
	if err != nil {
		if cs.metrics != nil {
			cs.metrics.PoolExhausted(cs.rt.Name, srv.Name)
		}
		return nil, fmt.Errorf("proxy: acquiring backend %q: %w", srv.Name, err)
	}
	if cs.metrics != nil {
		cs.metrics.AcquireDuration(cs.rt.Name, srv.Name, time.Since(start))
	}

	b := backend.New(srv, pc.Conn(), pc.SeenHistory())
	if role == router.RoleSlave {
		cs.sess.SetSlave(b)
	} else {
		cs.sess.SetMaster(b)
	}

	if err := cs.catchUp(b); err != nil {
		return nil, err
	}
	return b, nil
}

// catchUp replays every session command a backend hasn't already seen
// (spec §4.5: a backend must execute some ordered prefix of the
// session's SessionCommand history before it can serve statements).
func (cs *clientSession) catchUp(b *backend.Backend) error {
	missing := cs.sess.HistorySince(b.HistorySeen())
	for _, cmd := range missing {
		b.Enqueue(backend.ExpectClientBound, cmd.Payload[0])
		if err := mysql.WritePacket(b.Conn(), cmd.Payload, cs.nextBackendSeq(b)); err != nil {
			b.MarkFatal(err)
			return fmt.Errorf("proxy: replaying session history: %w", err)
		}
		if _, err := cs.drainOne(b); err != nil {
			return err
		}
	}
	b.AdvanceHistory(cs.sess.HistoryLen())
	return nil
}

// forwardTo sends payload to b, fans it out to any other attached
// backends for SESSION_WRITE statements, drains the reply, and feeds an
// open transaction's replay log.
func (cs *clientSession) forwardTo(b *backend.Backend, payload []byte, mask classifier.TypeMask, decision router.Decision) ([]byte, error) {
	recordingTxn := cs.sess.TxnState() == session.TransactionOpen || cs.sess.TxnState() == session.OptimisticOnSlave
	if recordingTxn {
		_ = cs.replayLog.Record(payload)
	}
	if mask.Has(classifier.SessionWrite) {
		cs.sess.RecordSessionCommand(payload, mask)
	}

	b.Enqueue(backend.ExpectClientBound, payload[0])
	if err := mysql.WritePacket(b.Conn(), payload, cs.nextBackendSeq(b)); err != nil {
		b.MarkFatal(err)
		return nil, cs.handleBackendFailure(b, err)
	}

	reply, err := cs.drainOne(b)
	if err != nil {
		return nil, cs.handleBackendFailure(b, err)
	}

	if decision.FanOut {
		checksum := router.ChecksumReply(reply)
		for _, other := range router.FanOutTargets(cs.sess, b) {
			other.Enqueue(backend.Ignore, payload[0])
			if err := mysql.WritePacket(other.Conn(), payload, cs.nextBackendSeq(other)); err != nil {
				other.MarkFatal(err)
				continue
			}
			secondary, err := cs.drainOne(other)
			if err != nil {
				continue
			}
			if err := router.ReconcileFanOut(checksum, secondary); err != nil {
				// Spec §4.7: a fan-out reply checksum mismatch is fatal to
				// the session, not a condition to route around.
				slog.Error("fan-out reply mismatch, terminating session", "service", cs.rt.Name, "error", err)
				cs.sess.MarkClosed()
				return nil, err
			}
		}
	}

	if recordingTxn {
		cs.replayLog.SetChecksum(replay.Checksum(reply))
	}
	if mask.Any(classifier.Commit | classifier.Rollback) {
		cs.replayLog.Reset()
	}
	return reply, nil
}

// drainOne reads backend packets until one logical (possibly multi-packet)
// reply is complete, returning its final payload.
func (cs *clientSession) drainOne(b *backend.Backend) ([]byte, error) {
	for {
		pkt, err := mysql.ReadPacket(b.Conn())
		if err != nil {
			return nil, err
		}
		reply, err := b.Advance(pkt.Payload)
		if err != nil {
			return nil, err
		}
		if reply.Final {
			return reply.Payload, nil
		}
		// Intermediate (field/row) packets of a multi-packet reply must
		// still reach the client in order.
		if reply.ResponseType == backend.ExpectClientBound {
			if err := cs.chain.ClientReply(reply.Payload, filter.UpstreamFunc(cs.writeToClient)); err != nil {
				return nil, err
			}
		}
	}
}

// migrateToMaster rolls back the session's provisional slave transaction,
// opens a fresh one on master, and replays the transaction log recorded
// so far, per spec §4.7's optimistic_trx migration step.
func (cs *clientSession) migrateToMaster() error {
	master, err := cs.backendFor(router.RoleMaster)
	if err != nil {
		return fmt.Errorf("proxy: optimistic migration: %w", err)
	}
	if slave := cs.sess.ClearSlave(); slave != nil {
		slave.Conn().Close()
	}

	target := newBackendReplayTarget(master)
	sessionCmds := historyPayloads(cs.sess.HistorySince(0))
	if err := cs.rt.Replay.Replay(cs.ctx, sessionCmds, cs.replayLog, target); err != nil {
		if cs.metrics != nil {
			cs.metrics.ReplayAttempt(cs.rt.Name, "migrate_failed")
		}
		return fmt.Errorf("proxy: optimistic migration replay: %w", err)
	}
	if cs.metrics != nil {
		cs.metrics.ReplayAttempt(cs.rt.Name, "migrate_ok")
	}
	cs.replayLog.Reset()
	return nil
}

// handleBackendFailure attempts transaction replay onto a fresh master
// when the session has an open transaction; otherwise the error is
// surfaced to the client as a fatal connection error, matching spec
// §4.8's "no open transaction" early-out.
func (cs *clientSession) handleBackendFailure(failed *backend.Backend, cause error) error {
	if cs.metrics != nil {
		cs.metrics.DirtyDisconnect(cs.rt.Name)
	}
	switch failed {
	case cs.sess.Master():
		cs.sess.SetMaster(nil)
	case cs.sess.Slave():
		cs.sess.ClearSlave()
	}

	if cs.sess.TxnState() != session.TransactionOpen && cs.sess.TxnState() != session.OptimisticOnSlave {
		return fmt.Errorf("proxy: backend %q failed: %w", failed.Target.Name, cause)
	}

	cs.sess.BeginReplay()
	defer cs.sess.EndReplay()

	master, err := cs.backendFor(router.RoleMaster)
	if err != nil {
		if cs.metrics != nil {
			cs.metrics.ReplayAttempt(cs.rt.Name, "no_target")
		}
		return fmt.Errorf("proxy: backend failure, no replay target: %w", err)
	}
	target := newBackendReplayTarget(master)
	sessionCmds := historyPayloads(cs.sess.HistorySince(0))
	if err := cs.rt.Replay.Replay(cs.ctx, sessionCmds, cs.replayLog, target); err != nil {
		if cs.metrics != nil {
			cs.metrics.ReplayAttempt(cs.rt.Name, "failed")
		}
		return fmt.Errorf("proxy: transaction replay failed: %w", err)
	}
	if cs.metrics != nil {
		cs.metrics.ReplayAttempt(cs.rt.Name, "ok")
	}
	return nil
}

func historyPayloads(cmds []session.SessionCommand) [][]byte {
	out := make([][]byte, len(cmds))
	for i, c := range cmds {
		out[i] = c.Payload
	}
	return out
}

func (cs *clientSession) sendRoutingError(cause error) error {
	cs.writeErrPacketSeq(cs.nextClientSeq(), 1053, "08S01", cause.Error())
	return nil
}

func (cs *clientSession) writeToClient(payload []byte) error {
	return mysql.WritePacket(cs.conn, payload, cs.nextClientSeq())
}

func (cs *clientSession) writeErrPacketSeq(seq byte, code uint16, sqlState, message string) {
	_ = mysql.WritePacket(cs.conn, mysql.BuildErrPacket(code, sqlState, message), seq)
}

func (cs *clientSession) nextClientSeq() byte {
	seq := cs.clientSeq
	cs.clientSeq++
	return seq
}

// nextBackendSeq resets a fresh per-command sequence for b; the proxy
// always initiates a new client-facing exchange as packet 0 on the
// backend connection, since it never forwards the client's own sequence
// counter across the relay boundary.
func (cs *clientSession) nextBackendSeq(b *backend.Backend) byte {
	return 0
}
