// Package pool implements the worker-partitioned, credential-keyed
// PooledConnection pool of spec §4.5: backend sockets that have completed
// handshake and authentication but have no current session, held in the
// worker-local pool of whichever worker owns them, with cross-worker
// stealing when a worker's own pool is empty for a key.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/mysql"
)

// Key identifies a class of interchangeable pooled connections: same
// server, same effective credentials and session defaults (spec §3
// PooledConnection: "server-id, user-name, password-hash, default-db,
// connection-attributes-hash").
type Key struct {
	ServerName   string
	Username     string
	PasswordHash string
	DefaultDB    string
	AttrsHash    string
}

// NewKey builds a Key, hashing the raw password and connection-attributes
// map so neither is retained in the key itself.
func NewKey(serverName, username, password, defaultDB string, attrs map[string]string) Key {
	return Key{
		ServerName:   serverName,
		Username:     username,
		PasswordHash: hashString(password),
		DefaultDB:    defaultDB,
		AttrsHash:    hashAttrs(attrs),
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return hashString("")
	}
	h := sha256.New()
	for _, k := range sortedKeys(attrs) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(attrs[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Dialer resolves a Key to a dial address and credentials. The router
// package owns server lookup; the pool only needs enough to open and
// authenticate a fresh connection on a cache miss.
type Dialer interface {
	DialTarget(key Key) (address string, password string, err error)
}

// ServerPoolConfig mirrors a Server's pool-relevant administrative
// parameters (spec's `persistpoolmax`, `persistmaxtime`).
type ServerPoolConfig struct {
	PersistPoolMax int
	PersistMaxTime time.Duration
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	AcquireTimeout time.Duration
}

// KeyedPool holds idle, reusable PooledConnections for exactly one Key
// within one worker partition.
type KeyedPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	key    Key
	cfg    ServerPoolConfig
	dialer Dialer

	idle   []*PooledConnection
	active map[*PooledConnection]struct{}
	total  int

	closed bool
	stopCh chan struct{}
}

func newKeyedPool(key Key, cfg ServerPoolConfig, dialer Dialer) *KeyedPool {
	kp := &KeyedPool{
		key:    key,
		cfg:    cfg,
		dialer: dialer,
		active: make(map[*PooledConnection]struct{}),
		stopCh: make(chan struct{}),
	}
	kp.cond = sync.NewCond(&kp.mu)
	go kp.reapLoop()
	return kp
}

// TryAcquireIdle pops one idle connection if available, without dialing.
// Used both for a worker's own pool and for cross-worker stealing.
func (kp *KeyedPool) TryAcquireIdle() *PooledConnection {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	for len(kp.idle) > 0 {
		pc := kp.idle[len(kp.idle)-1]
		kp.idle = kp.idle[:len(kp.idle)-1]
		if pc.IsExpired(kp.cfg.PersistMaxTime) {
			pc.Close()
			kp.total--
			continue
		}
		if err := pc.Ping(); err != nil {
			pc.Close()
			kp.total--
			continue
		}
		pc.MarkActive()
		kp.active[pc] = struct{}{}
		return pc
	}
	return nil
}

// Dial opens and authenticates a brand new connection for this pool's key,
// without any persistpoolmax check; Manager.Acquire calls it whenever no
// idle or stolen connection is available.
func (kp *KeyedPool) Dial(ctx context.Context) (*PooledConnection, error) {
	address, password, err := kp.dialer.DialTarget(kp.key)
	if err != nil {
		return nil, fmt.Errorf("pool: resolving dial target for %s: %w", kp.key.ServerName, err)
	}

	var d net.Dialer
	d.Timeout = kp.cfg.DialTimeout
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("pool: dialing %s: %w", address, err)
	}

	pc := NewPooledConnection(conn, kp.key, kp)
	if err := authenticate(conn, kp.key.Username, password, kp.key.DefaultDB); err != nil {
		pc.Close()
		return nil, fmt.Errorf("pool: authenticating to %s: %w", address, err)
	}

	kp.mu.Lock()
	kp.total++
	kp.active[pc] = struct{}{}
	kp.mu.Unlock()
	pc.MarkActive()
	return pc, nil
}

// Return releases a connection back to this pool, honouring persistpoolmax;
// a connection in excess of the limit, expired, or belonging to a closed
// pool is closed instead of retained.
func (kp *KeyedPool) Return(pc *PooledConnection) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	delete(kp.active, pc)

	if kp.closed || pc.IsExpired(kp.cfg.PersistMaxTime) || len(kp.idle) >= kp.cfg.PersistPoolMax {
		pc.Close()
		kp.total--
		kp.cond.Signal()
		return
	}

	pc.MarkIdle()
	kp.idle = append(kp.idle, pc)
	kp.cond.Signal()
}

// Len reports the number of idle connections currently held.
func (kp *KeyedPool) Len() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.idle)
}

// Drain closes every idle connection and returns at once. Connections
// currently checked out are not touched: they are pooled or closed when
// returned. Used by Close and by Manager.Drain.
func (kp *KeyedPool) Drain() {
	kp.mu.Lock()
	for _, pc := range kp.idle {
		pc.Close()
		kp.total--
	}
	kp.idle = kp.idle[:0]
	kp.mu.Unlock()
}

// Close drains and permanently shuts down this keyed pool.
func (kp *KeyedPool) Close() {
	kp.mu.Lock()
	if kp.closed {
		kp.mu.Unlock()
		return
	}
	kp.closed = true
	close(kp.stopCh)
	kp.cond.Broadcast()
	kp.mu.Unlock()
	kp.Drain()
}

func (kp *KeyedPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			kp.reapIdle()
		case <-kp.stopCh:
			return
		}
	}
}

func (kp *KeyedPool) reapIdle() {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	kept := make([]*PooledConnection, 0, len(kp.idle))
	for _, pc := range kp.idle {
		if pc.IsIdle(kp.cfg.IdleTimeout) || pc.IsExpired(kp.cfg.PersistMaxTime) {
			pc.Close()
			kp.total--
		} else {
			kept = append(kept, pc)
		}
	}
	kp.idle = kept
}

// authenticate runs the MariaDB connection-phase handshake (mirrors
// internal/server.Monitor.probe, but authenticates for real traffic rather
// than a role probe) against a freshly dialed connection.
func authenticate(conn net.Conn, username, password, database string) error {
	handshakePkt, err := mysql.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading server handshake: %w", err)
	}
	if handshakePkt.Command() == mysql.ErrPacket {
		return fmt.Errorf("server sent error on connect: %s", mysql.ErrorMessage(handshakePkt.Payload))
	}
	hs, err := mysql.ParseServerHandshake(handshakePkt.Payload)
	if err != nil {
		return err
	}

	resp := mysql.BuildHandshakeResponse41(username, password, database, hs.AuthPluginData)
	if err := mysql.WritePacket(conn, resp, 1); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	reply, err := mysql.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}

	switch reply.Command() {
	case mysql.OKPacket:
		return nil
	case 0xfe: // AuthSwitchRequest
		return authSwitch(conn, reply.Payload, username, password)
	case mysql.ErrPacket:
		return fmt.Errorf("authentication failed: %s", mysql.ErrorMessage(reply.Payload))
	default:
		return fmt.Errorf("unexpected auth response byte: %#x", reply.Payload[0])
	}
}

func authSwitch(conn net.Conn, pkt []byte, username, password string) error {
	if len(pkt) < 2 {
		return fmt.Errorf("malformed AuthSwitchRequest")
	}
	nameEnd := 1
	for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
		nameEnd++
	}
	plugin := string(pkt[1:nameEnd])
	var authData []byte
	if nameEnd+1 < len(pkt) {
		authData = pkt[nameEnd+1:]
		if len(authData) > 0 && authData[len(authData)-1] == 0 {
			authData = authData[:len(authData)-1]
		}
	}
	if plugin != "mysql_native_password" {
		return fmt.Errorf("unsupported auth plugin switch: %s", plugin)
	}
	resp := mysql.NativePasswordHash([]byte(password), authData)
	if err := mysql.WritePacket(conn, resp, 3); err != nil {
		return fmt.Errorf("sending auth switch response: %w", err)
	}
	final, err := mysql.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth switch result: %w", err)
	}
	if final.Command() != mysql.OKPacket {
		return fmt.Errorf("authentication failed after plugin switch")
	}
	return nil
}

// Stats summarizes one KeyedPool for the admin surface.
type Stats struct {
	ServerName string `json:"server_name"`
	Partition  int    `json:"partition"`
	Idle       int    `json:"idle"`
	Active     int    `json:"active"`
	Total      int    `json:"total"`
}

func (kp *KeyedPool) stats(partition int) Stats {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return Stats{
		ServerName: kp.key.ServerName,
		Partition:  partition,
		Idle:       len(kp.idle),
		Active:     len(kp.active),
		Total:      kp.total,
	}
}

// Manager owns one KeyedPool set per worker partition and implements the
// acquire-policy of spec §4.5: check the local partition's pool, then try
// a bounded cross-worker steal from another partition, then dial fresh.
type Manager struct {
	mu         sync.RWMutex
	dialer     Dialer
	defaultCfg ServerPoolConfig

	partitions []map[Key]*KeyedPool

	stealTimeout time.Duration
}

// NewManager creates a Manager with the given number of worker partitions.
func NewManager(numPartitions int, dialer Dialer, defaultCfg ServerPoolConfig) *Manager {
	if numPartitions < 1 {
		numPartitions = 1
	}
	m := &Manager{
		dialer:       dialer,
		defaultCfg:   defaultCfg,
		partitions:   make([]map[Key]*KeyedPool, numPartitions),
		stealTimeout: 50 * time.Millisecond,
	}
	for i := range m.partitions {
		m.partitions[i] = make(map[Key]*KeyedPool)
	}
	return m
}

// NumPartitions reports how many worker partitions this Manager was built
// with, so callers computing a partition index (e.g. internal/proxy, from
// a connection ID) can normalize against the real count instead of
// assuming one.
func (m *Manager) NumPartitions() int {
	return len(m.partitions)
}

func (m *Manager) poolFor(partition int, key Key) *KeyedPool {
	partition %= len(m.partitions)
	if partition < 0 {
		partition += len(m.partitions)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.partitions[partition][key]
	if !ok {
		kp = newKeyedPool(key, m.defaultCfg, m.dialer)
		m.partitions[partition][key] = kp
	}
	return kp
}

// Acquire implements spec §4.5's backend acquisition policy for one
// worker partition: reuse a same-partition idle connection; else try to
// steal one from another partition within a bounded timeout; else dial a
// fresh connection. persistpoolmax is not consulted here; it is applied
// only when a connection is returned (KeyedPool.Return).
func (m *Manager) Acquire(ctx context.Context, partition int, key Key) (*PooledConnection, error) {
	partition %= len(m.partitions)
	if partition < 0 {
		partition += len(m.partitions)
	}
	local := m.poolFor(partition, key)

	if pc := local.TryAcquireIdle(); pc != nil {
		return pc, nil
	}

	if stolen := m.tryStealFrom(partition, key); stolen != nil {
		return stolen, nil
	}

	return local.Dial(ctx)
}

// tryStealFrom scans other partitions' pools for the same key and takes
// one idle connection if found, within m.stealTimeout. A production
// worker runtime would do this via a cross-worker message with a
// generation-tagged reply; here, pools are protected by their own mutex so
// a direct cross-goroutine call is safe without a worker message bus.
func (m *Manager) tryStealFrom(partition int, key Key) *PooledConnection {
	deadline := time.Now().Add(m.stealTimeout)
	m.mu.RLock()
	others := make([]*KeyedPool, 0, len(m.partitions)-1)
	for i, part := range m.partitions {
		if i == partition {
			continue
		}
		if kp, ok := part[key]; ok {
			others = append(others, kp)
		}
	}
	m.mu.RUnlock()

	for _, kp := range others {
		if time.Now().After(deadline) {
			break
		}
		if pc := kp.TryAcquireIdle(); pc != nil {
			return pc
		}
	}
	return nil
}

// Drain drains every pool for the given server across all partitions,
// mirroring "Maintenance flag on a server causes the pool to be drained
// for that key".
func (m *Manager) Drain(serverName string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, part := range m.partitions {
		for key, kp := range part {
			if key.ServerName == serverName {
				kp.Drain()
			}
		}
	}
}

// AllStats returns stats for every keyed pool across all partitions.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Stats
	for i, part := range m.partitions {
		for _, kp := range part {
			out = append(out, kp.stats(i))
		}
	}
	return out
}

// Close shuts down every keyed pool across all partitions.
func (m *Manager) Close() {
	m.mu.Lock()
	partitions := m.partitions
	for i := range m.partitions {
		m.partitions[i] = make(map[Key]*KeyedPool)
	}
	m.mu.Unlock()

	for _, part := range partitions {
		for _, kp := range part {
			kp.Close()
		}
	}
}
