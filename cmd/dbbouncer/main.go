package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/api"
	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/health"
	"github.com/dbbouncer/dbbouncer/internal/housekeeper"
	"github.com/dbbouncer/dbbouncer/internal/metrics"
	"github.com/dbbouncer/dbbouncer/internal/proxy"
	"github.com/dbbouncer/dbbouncer/internal/replay"
	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/server"
)

// poolStatsFlushInterval is how often pool.Manager's per-server,
// per-partition connection counts are pushed to the pool gauges.
const poolStatsFlushInterval = 5 * time.Second

// healthCheckInterval/failureThreshold/connectTimeout size the fast,
// independently-paced liveness view internal/health.Checker gives the
// admin API; internal/server.Monitor runs on its own, heavier cycle
// (cfg.Monitor.Interval) to decide master/slave eligibility.
const (
	healthCheckInterval  = 5 * time.Second
	healthFailureThresh  = 3
	healthConnectTimeout = 2 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/dbbouncer.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("dbbouncer starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath,
		"servers", len(cfg.Servers), "services", len(cfg.Services), "listeners", len(cfg.Listeners))

	m := metrics.New()

	healthServers := make([]*server.Server, 0, len(cfg.Servers))
	for name, sc := range cfg.Servers {
		healthServers = append(healthServers, server.New(name, sc.Address, sc.Port))
	}
	hc := health.NewChecker(healthServers, m, healthCheckInterval, healthFailureThresh, healthConnectTimeout)

	proxyServer, err := proxy.NewServer(cfg, m, hc)
	if err != nil {
		slog.Error("failed to build proxy server", "error", err)
		os.Exit(1)
	}

	// The monitor must publish status onto the exact *server.Server
	// instances the router reads (UsableAsMaster/UsableAsSlave), so it is
	// built from proxyServer.Backends() rather than a second, independent
	// set of server.Server values.
	backends := proxyServer.Backends()
	monitorServers := make([]*server.Server, 0, len(backends))
	for _, srv := range backends {
		monitorServers = append(monitorServers, srv)
	}
	mon := server.NewMonitor(toMonitorConfig(cfg.Monitor), monitorServers)

	hk := housekeeper.New()
	hk.Add("pool-stats-flush", poolStatsFlushInterval, func() bool {
		for _, s := range proxyServer.PoolStats() {
			// pool.Stats carries no service dimension (a pool is keyed by
			// server and partition, independent of which service routes to
			// it), so the gauges' service label is left blank here.
			m.UpdatePoolStats("", s.ServerName, s.Active, s.Idle, s.Total, 0)
		}
		return true
	})
	hk.Start()

	mon.Start()
	hc.Start()

	if err := proxyServer.Start(); err != nil {
		slog.Error("failed to start proxy listeners", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(proxyServer, hc, m, cfg.API)
	if err := apiServer.Start(); err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration")
		reloadServiceParameters(proxyServer, newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("dbbouncer ready", "api_addr", cfg.API.Bind, "api_port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if err := apiServer.Stop(); err != nil {
		slog.Error("api server shutdown error", "error", err)
	}
	proxyServer.Stop()
	hc.Stop()
	mon.Stop()
	hk.Stop()

	slog.Info("dbbouncer stopped")
}

// reloadServiceParameters applies `alter service`-equivalent changes from a
// hot-reloaded config file to already-running services. It does not add or
// remove servers, services, or listeners on file reload — that topology
// surface belongs to the admin API (spec §6 create/destroy/link/unlink),
// which acts on one resource at a time rather than a wholesale config diff.
func reloadServiceParameters(p *proxy.Server, newCfg *config.Config) {
	for name, sc := range newCfg.Services {
		rt, ok := p.Service(name)
		if !ok {
			slog.Warn("config reload: service not running, skipping (use the admin API to create it)", "service", name)
			continue
		}
		rt.Router.SetConfig(router.Config{
			OptimisticTrx:          sc.Router.OptimisticTrx,
			SlaveRequireDiskOK:     sc.Router.SlaveRequireDiskOK,
			MaxSlaveReplicationLag: sc.Router.MaxSlaveReplicationLag,
		})
		rt.Replay.SetConfig(replay.Config{
			Enabled:     sc.Replay.Enabled,
			MaxAttempts: sc.Replay.MaxAttempts,
			Timeout:     sc.Replay.Timeout,
			MaxLogSize:  sc.Replay.MaxLogSize,
		})
	}
}

// toMonitorConfig converts the loaded YAML monitor config to
// internal/server.MonitorConfig, mapping its string-typed condition and
// write-test-fail-action fields onto server's named Condition/
// WriteTestFailAction constants.
func toMonitorConfig(cfg config.MonitorConfig) server.MonitorConfig {
	return server.MonitorConfig{
		Interval:                  cfg.Interval,
		User:                      cfg.User,
		Password:                  cfg.Password,
		MasterConditions:          toConditions(cfg.MasterConditions),
		SlaveConditions:           toConditions(cfg.SlaveConditions),
		SwitchoverOnLowDiskSpace:  cfg.SwitchoverOnLowDiskSpace,
		MaintenanceOnLowDiskSpace: cfg.MaintenanceOnLowDiskSpace,
		WriteTestInterval:         cfg.WriteTestInterval,
		WriteTestFailAction:       toWriteTestFailAction(cfg.WriteTestFailAction),
		DiskSpaceThresholdPercent: cfg.DiskSpaceThresholdPercent,
		MaxSlaveReplicationLag:    cfg.MaxSlaveReplicationLag,
		ConnectTimeout:            cfg.ConnectTimeout,
	}
}

func toConditions(names []string) []server.Condition {
	out := make([]server.Condition, len(names))
	for i, n := range names {
		out[i] = server.Condition(n)
	}
	return out
}

func toWriteTestFailAction(s string) server.WriteTestFailAction {
	switch server.WriteTestFailAction(s) {
	case server.WriteTestFailDemoteToDown:
		return server.WriteTestFailDemoteToDown
	default:
		return server.WriteTestFailNone
	}
}
