package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, generalized from the teacher's
// flat tenant map to spec §3's servers/services/listeners/monitor model:
// servers are named backend targets, services bind a server list to
// read-write-split and replay parameters, and listeners bind a port to
// exactly one service. A single monitor watches a fixed server set, per
// internal/server.Monitor's scope (spec's "some writer of the Server
// status view", not a pluggable monitor-module system).
type Config struct {
	Servers      map[string]ServerConfig   `yaml:"servers"`
	Services     map[string]ServiceConfig  `yaml:"services"`
	Listeners    map[string]ListenerConfig `yaml:"listeners"`
	Monitor      MonitorConfig             `yaml:"monitor"`
	PoolDefaults PoolDefaults              `yaml:"pool_defaults"`
	API          APIConfig                 `yaml:"api"`
}

// ServerConfig is one backend target (spec §3 `create server`).
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	PersistPoolMax     *int           `yaml:"persist_pool_max,omitempty"`
	PersistMaxTime     *time.Duration `yaml:"persist_max_time,omitempty"`
	IdleTimeout        *time.Duration `yaml:"idle_timeout,omitempty"`
	DialTimeout        *time.Duration `yaml:"dial_timeout,omitempty"`
	AcquireTimeout     *time.Duration `yaml:"acquire_timeout,omitempty"`
	DiskSpaceThreshold int            `yaml:"disk_space_threshold"`
}

// PoolDefaults defines the pool settings applied when a server doesn't
// override them, mirroring the teacher's Defaults/Effective* pattern.
type PoolDefaults struct {
	PersistPoolMax int           `yaml:"persist_pool_max"`
	PersistMaxTime time.Duration `yaml:"persist_max_time"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// EffectivePersistPoolMax returns the server's override or the default.
func (s ServerConfig) EffectivePersistPoolMax(d PoolDefaults) int {
	if s.PersistPoolMax != nil {
		return *s.PersistPoolMax
	}
	return d.PersistPoolMax
}

// EffectivePersistMaxTime returns the server's override or the default.
func (s ServerConfig) EffectivePersistMaxTime(d PoolDefaults) time.Duration {
	if s.PersistMaxTime != nil {
		return *s.PersistMaxTime
	}
	return d.PersistMaxTime
}

// EffectiveIdleTimeout returns the server's override or the default.
func (s ServerConfig) EffectiveIdleTimeout(d PoolDefaults) time.Duration {
	if s.IdleTimeout != nil {
		return *s.IdleTimeout
	}
	return d.IdleTimeout
}

// EffectiveDialTimeout returns the server's override or the default.
func (s ServerConfig) EffectiveDialTimeout(d PoolDefaults) time.Duration {
	if s.DialTimeout != nil {
		return *s.DialTimeout
	}
	return d.DialTimeout
}

// EffectiveAcquireTimeout returns the server's override or the default.
func (s ServerConfig) EffectiveAcquireTimeout(d PoolDefaults) time.Duration {
	if s.AcquireTimeout != nil {
		return *s.AcquireTimeout
	}
	return d.AcquireTimeout
}

// RouterConfig holds the service-level read-write-split parameters (spec
// §6 `alter service`), mirroring internal/router.Config.
type RouterConfig struct {
	OptimisticTrx          bool          `yaml:"optimistic_trx"`
	SlaveRequireDiskOK     bool          `yaml:"slave_require_disk_ok"`
	MaxSlaveReplicationLag time.Duration `yaml:"max_slave_replication_lag"`
}

// ReplayConfig holds the service-level transaction-replay parameters
// (spec §6 `alter service`), mirroring internal/replay.Config.
type ReplayConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts uint          `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLogSize  int           `yaml:"max_log_size"`
}

// ServiceConfig binds a server list to routing/replay parameters and an
// ordered filter chain (spec §3 `create service`, spec §9 filter order).
type ServiceConfig struct {
	Servers   []string     `yaml:"servers"`
	User      string       `yaml:"user"`
	Password  string       `yaml:"password"`
	DefaultDB string       `yaml:"default_db"`
	Filters   []string     `yaml:"filters"`
	Router    RouterConfig `yaml:"router"`
	Replay    ReplayConfig `yaml:"replay"`
}

// Redacted returns a copy of ServiceConfig with the password masked.
func (s ServiceConfig) Redacted() ServiceConfig {
	c := s
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// ListenerConfig binds a listening port to exactly one service (spec §3
// `create listener`).
type ListenerConfig struct {
	Service string `yaml:"service"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenerConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// MonitorConfig configures the single built-in monitor. It carries
// internal/server.MonitorConfig's fields plus the monitored Servers list;
// conditions and the write-test fail action are plain strings here, which
// cmd/dbbouncer's toMonitorConfig converts to internal/server's types.
type MonitorConfig struct {
	Servers                   []string      `yaml:"servers"`
	Interval                  time.Duration `yaml:"interval"`
	User                      string        `yaml:"user"`
	Password                  string        `yaml:"password"`
	MasterConditions          []string      `yaml:"master_conditions"`
	SlaveConditions           []string      `yaml:"slave_conditions"`
	SwitchoverOnLowDiskSpace  bool          `yaml:"switchover_on_low_disk_space"`
	MaintenanceOnLowDiskSpace bool          `yaml:"maintenance_on_low_disk_space"`
	WriteTestInterval         time.Duration `yaml:"write_test_interval"`
	WriteTestFailAction       string        `yaml:"write_test_fail_action"`
	DiskSpaceThresholdPercent int           `yaml:"disk_space_threshold_percent"`
	MaxSlaveReplicationLag    time.Duration `yaml:"max_slave_replication_lag"`
	ConnectTimeout            time.Duration `yaml:"connect_timeout"`
}

// Redacted returns a copy of MonitorConfig with the password masked.
func (m MonitorConfig) Redacted() MonitorConfig {
	c := m
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// APIConfig defines the admin REST surface's bind address and auth key.
type APIConfig struct {
	Port   int    `yaml:"port"`
	Bind   string `yaml:"bind"`
	APIKey string `yaml:"api_key"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.PoolDefaults.PersistPoolMax == 0 {
		cfg.PoolDefaults.PersistPoolMax = 10
	}
	if cfg.PoolDefaults.PersistMaxTime == 0 {
		cfg.PoolDefaults.PersistMaxTime = 30 * time.Minute
	}
	if cfg.PoolDefaults.IdleTimeout == 0 {
		cfg.PoolDefaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.PoolDefaults.DialTimeout == 0 {
		cfg.PoolDefaults.DialTimeout = 3 * time.Second
	}
	if cfg.PoolDefaults.AcquireTimeout == 0 {
		cfg.PoolDefaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 2 * time.Second
	}
	if cfg.Monitor.DiskSpaceThresholdPercent == 0 {
		cfg.Monitor.DiskSpaceThresholdPercent = 90
	}
	if cfg.Monitor.MaxSlaveReplicationLag == 0 {
		cfg.Monitor.MaxSlaveReplicationLag = 30 * time.Second
	}
	if cfg.Monitor.ConnectTimeout == 0 {
		cfg.Monitor.ConnectTimeout = 3 * time.Second
	}
	if cfg.Monitor.WriteTestFailAction == "" {
		cfg.Monitor.WriteTestFailAction = "none"
	}
}

func validate(cfg *Config) error {
	for name, srv := range cfg.Servers {
		if srv.Address == "" {
			return fmt.Errorf("server %q: address is required", name)
		}
		if srv.Port == 0 {
			return fmt.Errorf("server %q: port is required", name)
		}
	}

	for name, svc := range cfg.Services {
		if len(svc.Servers) == 0 {
			return fmt.Errorf("service %q: at least one server is required", name)
		}
		for _, sn := range svc.Servers {
			if _, ok := cfg.Servers[sn]; !ok {
				return fmt.Errorf("service %q: references undefined server %q", name, sn)
			}
		}
		if svc.User == "" {
			return fmt.Errorf("service %q: user is required", name)
		}
	}

	for name, l := range cfg.Listeners {
		if l.Port == 0 {
			return fmt.Errorf("listener %q: port is required", name)
		}
		if _, ok := cfg.Services[l.Service]; !ok {
			return fmt.Errorf("listener %q: references undefined service %q", name, l.Service)
		}
	}

	for _, sn := range cfg.Monitor.Servers {
		if _, ok := cfg.Servers[sn]; !ok {
			return fmt.Errorf("monitor: references undefined server %q", sn)
		}
	}

	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
