package proxy

import (
	"fmt"

	"github.com/dbbouncer/dbbouncer/internal/config"
	"github.com/dbbouncer/dbbouncer/internal/filter"
	"github.com/dbbouncer/dbbouncer/internal/replay"
	"github.com/dbbouncer/dbbouncer/internal/router"
)

// ServiceRuntime bundles one configured service's routing, filter, and
// replay machinery (spec §3 Service). The router's round-robin slave
// cursor is deliberately per-service rather than global, since each
// service owns its own independent server list and read-write-split
// parameters (spec §6 `alter service`).
type ServiceRuntime struct {
	Name    string
	Cfg     config.ServiceConfig
	Router  *router.Router
	Filters *filter.Chain
	Replay  *replay.Replayer
}

// buildFilter maps a configured filter name to a Filter instance. Names
// not recognised fall back to a pass-through, matching nullfilter's role
// as the teacher's do-nothing vtable implementation.
func buildFilter(name string) filter.Filter {
	switch name {
	case "hint":
		return filter.NewHint()
	default:
		return filter.NewPassThrough(name)
	}
}

// newServiceRuntime constructs a ServiceRuntime from configuration,
// instantiating one Router scoped to this service's own server list and
// routing parameters, one filter Chain in declared order, and one
// Replayer bound to the service's replay parameters.
func newServiceRuntime(name string, cfg config.ServiceConfig) (*ServiceRuntime, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("proxy: service %q has no servers configured", name)
	}

	filters := make([]filter.Filter, len(cfg.Filters))
	for i, fname := range cfg.Filters {
		filters[i] = buildFilter(fname)
	}

	return &ServiceRuntime{
		Name: name,
		Cfg:  cfg,
		Router: router.New(router.Config{
			OptimisticTrx:          cfg.Router.OptimisticTrx,
			SlaveRequireDiskOK:     cfg.Router.SlaveRequireDiskOK,
			MaxSlaveReplicationLag: cfg.Router.MaxSlaveReplicationLag,
		}),
		Filters: filter.NewChain(filters...),
		Replay: replay.New(replay.Config{
			Enabled:     cfg.Replay.Enabled,
			MaxAttempts: cfg.Replay.MaxAttempts,
			Timeout:     cfg.Replay.Timeout,
			MaxLogSize:  cfg.Replay.MaxLogSize,
		}),
	}, nil
}
