package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/pool"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

// Server is the MySQL/MariaDB wire-protocol proxy: one TCP listener per
// configured listener, each bound to exactly one service (spec §3
// Listener), routing client statements across that service's servers.
// Unlike the teacher, there is no PostgreSQL half — spec §1 scopes this
// proxy to the MariaDB protocol only.
type Server struct {
	metrics     *metrics.Collector
	healthCheck *health.Checker
	dialer      *dialer
	poolMgr     *pool.Manager

	mu       sync.RWMutex
	backends map[string]*server.Server
	services map[string]*ServiceRuntime

	listenerCfgs map[string]config.ListenerConfig
	listeners    map[string]net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server from a loaded configuration, constructing one
// Server record per configured backend, one ServiceRuntime per configured
// service, and a pool.Manager partitioned by CPU count (a stand-in for
// true per-worker affinity until internal/worker's reactor loop owns
// connection acceptance — see DESIGN.md).
func NewServer(cfg *config.Config, m *metrics.Collector, hc *health.Checker) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		metrics:      m,
		healthCheck:  hc,
		dialer:       newDialer(),
		backends:     make(map[string]*server.Server),
		services:     make(map[string]*ServiceRuntime),
		listenerCfgs: make(map[string]config.ListenerConfig),
		listeners:    make(map[string]net.Listener),
		ctx:          ctx,
		cancel:       cancel,
	}

	for name, sc := range cfg.Servers {
		srv := server.New(name, sc.Address, sc.Port)
		s.backends[name] = srv
		s.dialer.addServer(srv)
	}

	partitions := runtime.NumCPU()
	if partitions < 1 {
		partitions = 1
	}
	s.poolMgr = pool.NewManager(partitions, s.dialer, pool.ServerPoolConfig{
		PersistPoolMax: cfg.PoolDefaults.PersistPoolMax,
		PersistMaxTime: cfg.PoolDefaults.PersistMaxTime,
		IdleTimeout:    cfg.PoolDefaults.IdleTimeout,
		DialTimeout:    cfg.PoolDefaults.DialTimeout,
		AcquireTimeout: cfg.PoolDefaults.AcquireTimeout,
	})

	for name, sc := range cfg.Services {
		rt, err := newServiceRuntime(name, sc)
		if err != nil {
			return nil, err
		}
		s.dialer.setPassword(sc.User, sc.Password)
		for _, serverName := range sc.Servers {
			srv, ok := s.backends[serverName]
			if !ok {
				return nil, fmt.Errorf("proxy: service %q references undefined server %q", name, serverName)
			}
			rt.Router.AddServer(name, srv)
		}
		s.services[name] = rt
	}

	s.listenerCfgs = cfg.Listeners
	return s, nil
}

// Start opens every configured listener and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, lc := range s.listenerCfgs {
		if err := s.startListenerLocked(name, lc); err != nil {
			return err
		}
	}
	return nil
}

// AddListener opens one new listener at runtime and begins accepting
// connections on it (spec §6 `create listener`). Returns an error if a
// listener of that name already exists or its bound service is undefined.
func (s *Server) AddListener(name string, lc config.ListenerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[name]; exists {
		return fmt.Errorf("proxy: listener %q already exists", name)
	}
	if err := s.startListenerLocked(name, lc); err != nil {
		return err
	}
	s.listenerCfgs[name] = lc
	return nil
}

// RemoveListener closes a running listener and forgets it (spec §6
// `destroy listener`). In-flight connections accepted before the close
// continue to run to completion.
func (s *Server) RemoveListener(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.listeners[name]
	if !ok {
		return false
	}
	ln.Close()
	delete(s.listeners, name)
	delete(s.listenerCfgs, name)
	return true
}

// startListenerLocked opens one listener and spawns its accept loop.
// Callers must hold s.mu.
func (s *Server) startListenerLocked(name string, lc config.ListenerConfig) error {
	if _, ok := s.services[lc.Service]; !ok {
		return fmt.Errorf("proxy: listener %q references undefined service %q", name, lc.Service)
	}

	var tlsCfg *tls.Config
	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			return fmt.Errorf("proxy: listener %q: loading TLS cert/key: %w", name, err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	bind := lc.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := net.JoinHostPort(bind, fmt.Sprintf("%d", lc.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listener %q: listening on %s: %w", name, addr, err)
	}

	s.listeners[name] = ln
	slog.Info("listener started", "listener", name, "service", lc.Service, "addr", addr, "tls", tlsCfg != nil)

	svc := lc.Service
	s.wg.Add(1)
	go func(ln net.Listener, svc string, tlsCfg *tls.Config) {
		defer s.wg.Done()
		s.acceptLoop(ln, svc, tlsCfg)
	}(ln, svc, tlsCfg)

	return nil
}

func (s *Server) acceptLoop(ln net.Listener, serviceName string, tlsCfg *tls.Config) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "service", serviceName, "error", err)
				continue
			}
		}
		if tlsCfg != nil {
			conn = tls.Server(conn, tlsCfg)
		}

		s.mu.RLock()
		rt := s.services[serviceName]
		s.mu.RUnlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, rt)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn, rt *ServiceRuntime) {
	defer conn.Close()

	cs := newClientSession(conn, rt, s.poolMgr, s.metrics, s.healthCheck)
	if err := cs.serve(s.ctx); err != nil {
		slog.Debug("connection closed", "service", rt.Name, "error", err)
	}
}

// AddServer registers a new backend server, reachable by any service that
// later links it (spec §6 `create server` / `link service`).
func (s *Server) AddServer(name string, sc config.ServerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv := server.New(name, sc.Address, sc.Port)
	s.backends[name] = srv
	s.dialer.addServer(srv)
}

// RemoveServer drains and forgets a backend server across every service
// that links it, and drains its pooled connections.
func (s *Server) RemoveServer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.services {
		rt.Router.RemoveServer(rt.Name, name)
	}
	delete(s.backends, name)
	s.dialer.removeServer(name)
	s.poolMgr.Drain(name)
}

// AddService registers a new service at runtime (spec §6 `create service`),
// wiring it to the named servers already registered via AddServer.
func (s *Server) AddService(name string, cfg config.ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.services[name]; exists {
		return fmt.Errorf("proxy: service %q already exists", name)
	}
	rt, err := newServiceRuntime(name, cfg)
	if err != nil {
		return err
	}
	s.dialer.setPassword(cfg.User, cfg.Password)
	for _, serverName := range cfg.Servers {
		srv, ok := s.backends[serverName]
		if !ok {
			return fmt.Errorf("proxy: service %q references undefined server %q", name, serverName)
		}
		rt.Router.AddServer(name, srv)
	}
	s.services[name] = rt
	return nil
}

// RemoveService destroys a service (spec §6 `destroy service`). Any
// listener still bound to it must be destroyed first.
func (s *Server) RemoveService(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lc := range s.listenerCfgs {
		if lc.Service == name {
			return false
		}
	}
	if _, ok := s.services[name]; !ok {
		return false
	}
	delete(s.services, name)
	return true
}

// Service returns the named service's runtime, if any.
func (s *Server) Service(name string) (*ServiceRuntime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.services[name]
	return rt, ok
}

// Services returns a snapshot of every registered service runtime.
func (s *Server) Services() map[string]*ServiceRuntime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*ServiceRuntime, len(s.services))
	for name, rt := range s.services {
		out[name] = rt
	}
	return out
}

// Backend returns the named backend server, if any.
func (s *Server) Backend(name string) (*server.Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.backends[name]
	return srv, ok
}

// Backends returns a snapshot of every registered backend server.
func (s *Server) Backends() map[string]*server.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*server.Server, len(s.backends))
	for name, srv := range s.backends {
		out[name] = srv
	}
	return out
}

// PoolStats reports per-server, per-partition connection pool statistics
// for the admin status endpoint (spec §6 observable state).
func (s *Server) PoolStats() []pool.Stats {
	return s.poolMgr.AllStats()
}

// LinkServer attaches an existing server to an existing service's routing
// target list (spec §6 `link service <svc> server <srv>`).
func (s *Server) LinkServer(service, serverName string) error {
	s.mu.RLock()
	rt, ok := s.services[service]
	srv, srvOK := s.backends[serverName]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("proxy: service %q not found", service)
	}
	if !srvOK {
		return fmt.Errorf("proxy: server %q not found", serverName)
	}
	rt.Router.AddServer(service, srv)
	return nil
}

// UnlinkServer detaches a server from a service's routing target list
// (spec §6 `unlink service <svc> server <srv>`).
func (s *Server) UnlinkServer(service, serverName string) bool {
	s.mu.RLock()
	rt, ok := s.services[service]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return rt.Router.RemoveServer(service, serverName)
}

// Stop gracefully shuts down every listener and waits for in-flight
// connections to finish.
func (s *Server) Stop() {
	s.cancel()

	s.mu.RLock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.RUnlock()

	s.wg.Wait()
	s.poolMgr.Close()
	slog.Info("proxy server stopped")
}
