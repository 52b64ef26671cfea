package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/mysql"
)

// Condition is one of the named bias conditions MaxScale configures on
// master/slave usability (master_conditions, slave_conditions).
type Condition string

const (
	ConditionRunning        Condition = "running"
	ConditionDiskSpace      Condition = "disk_space"
	ConditionPrimaryMon     Condition = "primary_monitor_master"
	ConditionConnectingSlve Condition = "connecting_slave"
)

// WriteTestFailAction controls what the monitor does when its periodic
// write test against the master fails.
type WriteTestFailAction string

const (
	WriteTestFailNone         WriteTestFailAction = "none"
	WriteTestFailDemoteToDown WriteTestFailAction = "demote"
)

// MonitorConfig configures a Monitor, mirroring `create/alter monitor`'s
// parameters.
type MonitorConfig struct {
	Interval                  time.Duration
	User                      string
	Password                  string
	MasterConditions          []Condition
	SlaveConditions           []Condition
	SwitchoverOnLowDiskSpace  bool
	MaintenanceOnLowDiskSpace bool
	WriteTestInterval         time.Duration
	WriteTestFailAction       WriteTestFailAction
	DiskSpaceThresholdPercent int
	MaxSlaveReplicationLag    time.Duration
	ConnectTimeout            time.Duration
}

// DefaultMonitorConfig returns sane defaults for a monitor instance.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:                  2 * time.Second,
		WriteTestInterval:         0,
		WriteTestFailAction:       WriteTestFailNone,
		DiskSpaceThresholdPercent: 90,
		MaxSlaveReplicationLag:    30 * time.Second,
		ConnectTimeout:            3 * time.Second,
	}
}

// Monitor is the minimal built-in monitor: it periodically probes a fixed
// set of servers over the MariaDB wire protocol, runs a small SQL status
// query against each, and publishes the resulting status bitmask. The
// first running server, in configured order, with `read_only=OFF` is
// marked Master; every server reporting `read_only=ON` is marked Slave.
//
// Full replication-topology discovery (chained replicas, multi-source) is
// out of scope; this is the "some writer of the Server status view" the
// spec assumes monitors provide, not a general monitor module system.
type Monitor struct {
	cfg     MonitorConfig
	servers []*Server

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastWriteTest time.Time
}

// NewMonitor creates a Monitor over the given set of servers.
func NewMonitor(cfg MonitorConfig, servers []*Server) *Monitor {
	return &Monitor{cfg: cfg, servers: servers, stopCh: make(chan struct{})}
}

// Start begins periodic monitoring in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	slog.Info("monitor started", "interval", m.cfg.Interval, "servers", len(m.servers))
}

// Stop halts monitoring. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("monitor stopped")
}

func (m *Monitor) run() {
	m.sweep()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sweep() {
	const maxWorkers = 8
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	type observation struct {
		srv      *Server
		status   StatusFlag
		serverID uint32
		coords   Coordinates
		lag      time.Duration
		err      string
	}
	results := make([]observation, len(m.servers))

	for i, srv := range m.servers {
		i, srv := i, srv
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
			defer cancel()
			status, serverID, coords, lag, err := m.probe(ctx, srv)
			obs := observation{srv: srv, status: status, serverID: serverID, coords: coords, lag: lag}
			if err != nil {
				obs.err = err.Error()
			}
			results[i] = obs
		}()
	}
	wg.Wait()

	masterElected := false
	for i := range results {
		o := &results[i]
		if o.status&Running != 0 && o.status&Maint == 0 {
			// First running, writable (not already known-slave) server wins
			// master status; the Slave bit was already set by probe for
			// every read-only server.
			if !masterElected && o.status&Slave == 0 {
				o.status |= Master
				masterElected = true
			}
		}
		if m.cfg.DiskSpaceThresholdPercent > 0 && diskUsagePercent(o.srv) >= m.cfg.DiskSpaceThresholdPercent {
			o.status |= DiskLow
		}
		// Preserve an administratively-set Maint bit across sweeps.
		if o.srv.Status()&Maint != 0 {
			o.status |= Maint
		}
		o.srv.Publish(o.status, o.coords, o.serverID, o.lag, o.err)
	}

	if m.cfg.WriteTestInterval > 0 && time.Since(m.lastWriteTest) >= m.cfg.WriteTestInterval {
		m.lastWriteTest = time.Now()
		m.runWriteTest()
	}
}

// probe opens a short-lived connection, authenticates, and runs
// queryRoleProbe to read @@server_id and @@read_only. Replication lag and
// coordinates are not measured: it always returns a lag of 0 and empty
// Coordinates.
func (m *Monitor) probe(ctx context.Context, srv *Server) (StatusFlag, uint32, Coordinates, time.Duration, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", srv.Address, srv.Port))
	if err != nil {
		return 0, 0, Coordinates{}, 0, fmt.Errorf("monitor: dial %s: %w", srv.Name, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	handshakePkt, err := mysql.ReadPacket(conn)
	if err != nil {
		return 0, 0, Coordinates{}, 0, fmt.Errorf("monitor: reading handshake from %s: %w", srv.Name, err)
	}
	hs, err := mysql.ParseServerHandshake(handshakePkt.Payload)
	if err != nil {
		return 0, 0, Coordinates{}, 0, fmt.Errorf("monitor: parsing handshake from %s: %w", srv.Name, err)
	}

	resp := mysql.BuildHandshakeResponse41(m.cfg.User, m.cfg.Password, "", hs.AuthPluginData)
	if err := mysql.WritePacket(conn, resp, 1); err != nil {
		return 0, 0, Coordinates{}, 0, fmt.Errorf("monitor: sending auth to %s: %w", srv.Name, err)
	}
	authReply, err := mysql.ReadPacket(conn)
	if err != nil {
		return 0, 0, Coordinates{}, 0, fmt.Errorf("monitor: reading auth reply from %s: %w", srv.Name, err)
	}
	if authReply.Command() == mysql.ErrPacket {
		return 0, 0, Coordinates{}, 0, fmt.Errorf("monitor: auth rejected by %s: %s", srv.Name, mysql.ErrorMessage(authReply.Payload))
	}

	status := Running | AuthOK

	serverID, readOnly, err := m.queryRoleProbe(conn)
	if err != nil {
		return status, 0, Coordinates{}, 0, err
	}
	if readOnly {
		status |= Slave
	}

	return status, serverID, Coordinates{}, 0, nil
}

// queryRoleProbe issues COM_QUERY "SELECT @@server_id, @@read_only" and
// parses the single-row text resultset it expects back. It is a minimal,
// hand-written resultset reader: enough to pull two scalar columns, not a
// general client library.
func (m *Monitor) queryRoleProbe(conn net.Conn) (serverID uint32, readOnly bool, err error) {
	query := "SELECT @@server_id, @@read_only"
	payload := append([]byte{mysql.ComQuery}, query...)
	if err := mysql.WritePacket(conn, payload, 0); err != nil {
		return 0, false, fmt.Errorf("monitor: sending probe query: %w", err)
	}

	colCountPkt, err := mysql.ReadPacket(conn)
	if err != nil {
		return 0, false, err
	}
	if colCountPkt.Command() == mysql.ErrPacket {
		return 0, false, fmt.Errorf("monitor: probe query rejected: %s", mysql.ErrorMessage(colCountPkt.Payload))
	}
	numCols := int(colCountPkt.Payload[0])

	for i := 0; i < numCols; i++ {
		if _, err := mysql.ReadPacket(conn); err != nil {
			return 0, false, err
		}
	}
	if _, err := mysql.ReadPacket(conn); err != nil { // EOF after column defs (pre-deprecate-EOF)
		return 0, false, err
	}

	rowPkt, err := mysql.ReadPacket(conn)
	if err != nil {
		return 0, false, err
	}
	values, err := decodeTextRow(rowPkt.Payload, 2)
	if err != nil {
		return 0, false, err
	}

	var id uint64
	fmt.Sscanf(values[0], "%d", &id)
	readOnly = values[1] == "1"
	return uint32(id), readOnly, nil
}

// decodeTextRow decodes exactly n length-encoded-string columns from a
// COM_QUERY text resultset row.
func decodeTextRow(payload []byte, n int) ([]string, error) {
	out := make([]string, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		if pos >= len(payload) {
			return nil, io.ErrUnexpectedEOF
		}
		if payload[pos] == 0xfb { // NULL
			out = append(out, "")
			pos++
			continue
		}
		length, next, err := readLenEncInt(payload, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		if pos+int(length) > len(payload) {
			return nil, io.ErrUnexpectedEOF
		}
		out = append(out, string(payload[pos:pos+int(length)]))
		pos += int(length)
	}
	return out, nil
}

func readLenEncInt(b []byte, pos int) (uint64, int, error) {
	if pos >= len(b) {
		return 0, pos, io.ErrUnexpectedEOF
	}
	switch v := b[pos]; {
	case v < 0xfb:
		return uint64(v), pos + 1, nil
	case v == 0xfc:
		if pos+3 > len(b) {
			return 0, pos, io.ErrUnexpectedEOF
		}
		return uint64(binary.LittleEndian.Uint16(b[pos+1 : pos+3])), pos + 3, nil
	case v == 0xfd:
		if pos+4 > len(b) {
			return 0, pos, io.ErrUnexpectedEOF
		}
		return uint64(b[pos+1]) | uint64(b[pos+2])<<8 | uint64(b[pos+3])<<16, pos + 4, nil
	case v == 0xfe:
		if pos+9 > len(b) {
			return 0, pos, io.ErrUnexpectedEOF
		}
		return binary.LittleEndian.Uint64(b[pos+1 : pos+9]), pos + 9, nil
	default:
		return 0, pos, fmt.Errorf("monitor: invalid length-encoded integer lead byte %#x", v)
	}
}

// runWriteTest re-runs probe (connect, authenticate, read-only SELECT)
// against the first server usable as master; no write is issued. On
// failure with write_test_fail_action=demote it publishes that server as
// Down.
func (m *Monitor) runWriteTest() {
	var master *Server
	for _, srv := range m.servers {
		if srv.UsableAsMaster() {
			master = srv
			break
		}
	}
	if master == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if _, _, _, _, err := m.probe(ctx, master); err != nil && m.cfg.WriteTestFailAction == WriteTestFailDemoteToDown {
		master.Publish(0, Coordinates{}, 0, 0, fmt.Sprintf("write test failed: %v", err))
	}
}

// diskUsagePercent is a seam for wiring a real disk-space source (e.g. a
// SHOW disk status plugin query); the built-in monitor has no such source
// and always reports 0 (never DiskLow on its own).
func diskUsagePercent(_ *Server) int { return 0 }
