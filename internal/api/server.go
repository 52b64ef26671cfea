// Package api exposes the admin REST surface spec §6 describes: callable
// server/service/listener management commands plus a JSON observable-state
// view, backed directly by the running proxy.Server, its health checker,
// and its metrics collector. Route layout and JSON helpers follow the
// teacher's mux-based admin server; the resource model is servers,
// services, and listeners rather than the teacher's flat tenant map.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/proxy"
	"github.com/dbbouncer/dbbouncer/internal/replay"
	"github.com/dbbouncer/dbbouncer/internal/router"
)

// Server is the REST API and metrics server.
type Server struct {
	proxy       *proxy.Server
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	apiCfg      config.APIConfig
}

// NewServer creates a new API server bound to the running proxy.
func NewServer(p *proxy.Server, hc *health.Checker, m *metrics.Collector, apiCfg config.APIConfig) *Server {
	return &Server{
		proxy:       p,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		apiCfg:      apiCfg,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	r := mux.NewRouter()
	if s.apiCfg.APIKey != "" {
		r.Use(s.requireAPIKey)
	}

	// Server CRUD (spec §6 `create/alter/destroy server`).
	r.HandleFunc("/servers", s.listServers).Methods("GET")
	r.HandleFunc("/servers", s.createServer).Methods("POST")
	r.HandleFunc("/servers/{name}", s.getServer).Methods("GET")
	r.HandleFunc("/servers/{name}", s.destroyServer).Methods("DELETE")
	r.HandleFunc("/servers/{name}/maint", s.setServerMaint).Methods("POST")
	r.HandleFunc("/servers/{name}/maint", s.clearServerMaint).Methods("DELETE")

	// Service CRUD and server linkage (spec §6 `alter service`,
	// `link/unlink service <svc> server <srv>`).
	r.HandleFunc("/services", s.listServices).Methods("GET")
	r.HandleFunc("/services", s.createService).Methods("POST")
	r.HandleFunc("/services/{name}", s.getService).Methods("GET")
	r.HandleFunc("/services/{name}", s.alterService).Methods("PUT")
	r.HandleFunc("/services/{name}", s.destroyService).Methods("DELETE")
	r.HandleFunc("/services/{name}/servers/{server}", s.linkServer).Methods("POST")
	r.HandleFunc("/services/{name}/servers/{server}", s.unlinkServer).Methods("DELETE")

	// Listener CRUD (spec §6 `create/destroy listener`).
	r.HandleFunc("/listeners", s.createListener).Methods("POST")
	r.HandleFunc("/listeners/{name}", s.destroyListener).Methods("DELETE")

	// Status, health & readiness.
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics, scraped from this process's own registry.
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	bind := s.apiCfg.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", bind, s.apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", addr, err)
	}

	slog.Info("api server listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// requireAPIKey rejects requests missing the configured bearer token.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Server Handlers ---

type serverRequest struct {
	Address            string `json:"address"`
	Port               int    `json:"port"`
	PersistPoolMax     int    `json:"persist_pool_max,omitempty"`
	PersistMaxTime     string `json:"persist_max_time,omitempty"`
	DiskSpaceThreshold int    `json:"disk_space_threshold,omitempty"`
}

type serverResponse struct {
	Name   string              `json:"name"`
	Status string              `json:"status"`
	Health *health.ServerHealth `json:"health,omitempty"`
}

func (s *Server) serverResponseFor(name string) serverResponse {
	resp := serverResponse{Name: name}
	if srv, ok := s.proxy.Backend(name); ok {
		resp.Status = srv.Status().String()
	}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(name)
		resp.Health = &h
	}
	return resp
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	backends := s.proxy.Backends()
	result := make([]serverResponse, 0, len(backends))
	for name := range backends {
		result = append(result, s.serverResponseFor(name))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.proxy.Backend(name); !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, s.serverResponseFor(name))
}

func (s *Server) createServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		serverRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Address == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "name, address, and port are required")
		return
	}
	if _, exists := s.proxy.Backend(req.Name); exists {
		writeError(w, http.StatusConflict, "server already exists")
		return
	}

	sc := config.ServerConfig{
		Address:            req.Address,
		Port:               req.Port,
		DiskSpaceThreshold: req.DiskSpaceThreshold,
	}
	if req.PersistPoolMax != 0 {
		sc.PersistPoolMax = &req.PersistPoolMax
	}
	if req.PersistMaxTime != "" {
		d, err := time.ParseDuration(req.PersistMaxTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid persist_max_time: "+err.Error())
			return
		}
		sc.PersistMaxTime = &d
	}
	s.proxy.AddServer(req.Name, sc)

	writeJSON(w, http.StatusCreated, s.serverResponseFor(req.Name))
}

func (s *Server) destroyServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.proxy.Backend(name); !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	s.proxy.RemoveServer(name)
	if s.healthCheck != nil {
		s.healthCheck.RemoveServer(name)
	}
	if s.metrics != nil {
		s.metrics.RemoveServer(name)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "server": name})
}

func (s *Server) setServerMaint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	srv, ok := s.proxy.Backend(name)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	srv.SetMaint(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "maint_set", "server": name})
}

func (s *Server) clearServerMaint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	srv, ok := s.proxy.Backend(name)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	srv.SetMaint(false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "maint_cleared", "server": name})
}

// --- Service Handlers ---

type serviceRequest struct {
	Servers             []string `json:"servers"`
	User                string   `json:"user"`
	Password            string   `json:"password,omitempty"`
	DefaultDB           string   `json:"default_db,omitempty"`
	Filters             []string `json:"filters,omitempty"`
	OptimisticTrx       bool     `json:"optimistic_trx"`
	SlaveRequireDiskOK  bool     `json:"slave_require_disk_ok"`
	MaxSlaveLag         string   `json:"max_slave_replication_lag,omitempty"`
	TransactionReplay   bool     `json:"transaction_replay"`
	ReplayMaxAttempts   uint     `json:"transaction_replay_attempts,omitempty"`
	ReplayTimeout       string   `json:"transaction_replay_timeout,omitempty"`
	ReplayMaxLogSize    int      `json:"transaction_replay_max_size,omitempty"`
}

func (req serviceRequest) toServiceConfig() (config.ServiceConfig, error) {
	var maxLag, replayTimeout time.Duration
	var err error
	if req.MaxSlaveLag != "" {
		if maxLag, err = time.ParseDuration(req.MaxSlaveLag); err != nil {
			return config.ServiceConfig{}, fmt.Errorf("invalid max_slave_replication_lag: %w", err)
		}
	}
	if req.ReplayTimeout != "" {
		if replayTimeout, err = time.ParseDuration(req.ReplayTimeout); err != nil {
			return config.ServiceConfig{}, fmt.Errorf("invalid transaction_replay_timeout: %w", err)
		}
	}
	return config.ServiceConfig{
		Servers:   req.Servers,
		User:      req.User,
		Password:  req.Password,
		DefaultDB: req.DefaultDB,
		Filters:   req.Filters,
		Router: config.RouterConfig{
			OptimisticTrx:          req.OptimisticTrx,
			SlaveRequireDiskOK:     req.SlaveRequireDiskOK,
			MaxSlaveReplicationLag: maxLag,
		},
		Replay: config.ReplayConfig{
			Enabled:     req.TransactionReplay,
			MaxAttempts: req.ReplayMaxAttempts,
			Timeout:     replayTimeout,
			MaxLogSize:  req.ReplayMaxLogSize,
		},
	}, nil
}

type serviceResponse struct {
	Name    string   `json:"name"`
	Servers []string `json:"servers"`
}

func (s *Server) serviceResponseFor(name string, rt *proxy.ServiceRuntime) serviceResponse {
	servers := rt.Router.Servers(name)
	names := make([]string, len(servers))
	for i, srv := range servers {
		names[i] = srv.Name
	}
	return serviceResponse{Name: name, Servers: names}
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services := s.proxy.Services()
	result := make([]serviceResponse, 0, len(services))
	for name, rt := range services {
		result = append(result, s.serviceResponseFor(name, rt))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rt, ok := s.proxy.Service(name)
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	writeJSON(w, http.StatusOK, s.serviceResponseFor(name, rt))
}

func (s *Server) createService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		serviceRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.User == "" {
		writeError(w, http.StatusBadRequest, "name and user are required")
		return
	}
	cfg, err := req.toServiceConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.proxy.AddService(req.Name, cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	rt, _ := s.proxy.Service(req.Name)
	writeJSON(w, http.StatusCreated, s.serviceResponseFor(req.Name, rt))
}

// alterService updates a service's router and replay parameters in place
// (spec §6 `alter service`); it does not change the service's linked
// server list or credentials — use link/unlink for server membership.
func (s *Server) alterService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rt, ok := s.proxy.Service(name)
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg, err := req.toServiceConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rt.Router.SetConfig(router.Config{
		OptimisticTrx:          cfg.Router.OptimisticTrx,
		SlaveRequireDiskOK:     cfg.Router.SlaveRequireDiskOK,
		MaxSlaveReplicationLag: cfg.Router.MaxSlaveReplicationLag,
	})
	rt.Replay.SetConfig(replay.Config{
		Enabled:     cfg.Replay.Enabled,
		MaxAttempts: cfg.Replay.MaxAttempts,
		Timeout:     cfg.Replay.Timeout,
		MaxLogSize:  cfg.Replay.MaxLogSize,
	})
	writeJSON(w, http.StatusOK, s.serviceResponseFor(name, rt))
}

func (s *Server) destroyService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.proxy.RemoveService(name) {
		writeError(w, http.StatusConflict, "service not found, or still bound to a listener")
		return
	}
	if s.metrics != nil {
		s.metrics.RemoveService(name)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "service": name})
}

func (s *Server) linkServer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.proxy.LinkServer(vars["name"], vars["server"]); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "linked", "service": vars["name"], "server": vars["server"]})
}

func (s *Server) unlinkServer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.proxy.UnlinkServer(vars["name"], vars["server"]) {
		writeError(w, http.StatusNotFound, "service or server not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked", "service": vars["name"], "server": vars["server"]})
}

// --- Listener Handlers ---

func (s *Server) createListener(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Service string `json:"service"`
		Bind    string `json:"bind"`
		Port    int    `json:"port"`
		TLSCert string `json:"tls_cert,omitempty"`
		TLSKey  string `json:"tls_key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Service == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "name, service, and port are required")
		return
	}
	lc := config.ListenerConfig{Service: req.Service, Bind: req.Bind, Port: req.Port, TLSCert: req.TLSCert, TLSKey: req.TLSKey}
	if err := s.proxy.AddListener(req.Name, lc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "listener": req.Name})
}

func (s *Server) destroyListener(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.proxy.RemoveListener(name) {
		writeError(w, http.StatusNotFound, "listener not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "listener": name})
}

// --- Health & Status Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allHealthy),
		"servers": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	backends := s.proxy.Backends()
	if len(backends) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if s.healthCheck != nil {
		for name := range backends {
			if s.healthCheck.IsHealthy(name) {
				writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
				return
			}
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_servers":    len(s.proxy.Backends()),
		"num_services":   len(s.proxy.Services()),
		"pools":          s.proxy.PoolStats(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
