package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the proxy core. Shape and
// registration pattern (private Registry, New() builds+registers once)
// are unchanged from the teacher; every label that used to key off a
// tenant now keys off a service (the routing/filter unit of spec §3) or
// a server (one backend target), and a handful of new series cover the
// worker runtime, the router's read-write split decisions, and
// transaction replay that the teacher had no equivalent for.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	serverHealth       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	// Health check metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	// Transaction-mode metrics
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	// Router metrics (spec §3 read-write split)
	routingDecisionsTotal *prometheus.CounterVec

	// Worker runtime metrics (spec §5)
	workerQueueDepth   *prometheus.GaugeVec
	workerTimerFires   *prometheus.CounterVec
	workerBlockingFull *prometheus.CounterVec

	// Transaction replay metrics (spec §7)
	replayAttemptsTotal  *prometheus.CounterVec
	replayChecksumErrors *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_active",
				Help: "Number of active backend connections per service/server",
			},
			[]string{"service", "server"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_idle",
				Help: "Number of idle backend connections per service/server",
			},
			[]string{"service", "server"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_total",
				Help: "Total number of backend connections per service/server",
			},
			[]string{"service", "server"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_waiting",
				Help: "Number of sessions waiting for a backend connection per service/server",
			},
			[]string{"service", "server"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_query_duration_seconds",
				Help:    "Duration of proxied statements in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"service"},
		),
		serverHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_server_health",
				Help: "Health status of a backend server (1=healthy, 0=unhealthy)",
			},
			[]string{"server"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_pool_exhausted_total",
				Help: "Total number of times a server's connection pool was exhausted",
			},
			[]string{"service", "server"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_health_check_duration_seconds",
				Help:    "Duration of monitor health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"server", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"server", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_transactions_total",
				Help: "Total completed transactions",
			},
			[]string{"service"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_transaction_duration_seconds",
				Help:    "Duration from backend acquire to release per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"service"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_acquire_duration_seconds",
				Help:    "Time spent waiting for a backend connection acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"service", "server"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_session_pins_total",
				Help: "Session pin events that force a session onto a single server",
			},
			[]string{"service", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_backend_resets_total",
				Help: "Backend session-reset results on connection return to pool",
			},
			[]string{"server", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring a backend ROLLBACK",
			},
			[]string{"service"},
		),

		routingDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_routing_decisions_total",
				Help: "Read-write split routing decisions by chosen role",
			},
			[]string{"service", "role"},
		),

		workerQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_worker_queue_depth",
				Help: "Pending cross-worker message queue depth",
			},
			[]string{"worker"},
		),
		workerTimerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_worker_timer_fires_total",
				Help: "Deferred timer callbacks fired per worker",
			},
			[]string{"worker"},
		),
		workerBlockingFull: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_worker_blocking_pool_full_total",
				Help: "Rejections from a worker's bounded blocking thread pool",
			},
			[]string{"worker"},
		),

		replayAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_replay_attempts_total",
				Help: "Transaction replay attempts after a backend failover, by result",
			},
			[]string{"service", "result"},
		),
		replayChecksumErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_replay_checksum_errors_total",
				Help: "Replayed transactions whose result checksum did not match the original",
			},
			[]string{"service"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.serverHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.routingDecisionsTotal,
		c.workerQueueDepth,
		c.workerTimerFires,
		c.workerBlockingFull,
		c.replayAttemptsTotal,
		c.replayChecksumErrors,
	)

	return c
}

// QueryDuration observes a statement's execution duration for a service.
func (c *Collector) QueryDuration(service string, d time.Duration) {
	c.queryDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetServerHealth sets the health gauge for a backend server.
func (c *Collector) SetServerHealth(server string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.serverHealth.WithLabelValues(server).Set(val)
}

// PoolExhausted increments the pool-exhausted counter for a server.
func (c *Collector) PoolExhausted(service, server string) {
	c.poolExhausted.WithLabelValues(service, server).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(service, server string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(service, server).Set(float64(active))
	c.connectionsIdle.WithLabelValues(service, server).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(service, server).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(service, server).Set(float64(waiting))
}

// HealthCheckCompleted records a monitor probe duration and result.
func (c *Collector) HealthCheckCompleted(server string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(server, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(server, errorType string) {
	c.healthCheckErrors.WithLabelValues(server, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(service string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(service).Inc()
	c.transactionDuration.WithLabelValues(service).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a backend connection.
func (c *Collector) AcquireDuration(service, server string, d time.Duration) {
	c.acquireDuration.WithLabelValues(service, server).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(service, reason string) {
	c.sessionPinsTotal.WithLabelValues(service, reason).Inc()
}

// BackendReset records a session-reset result (success or failure).
func (c *Collector) BackendReset(server string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(server, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter for a service.
func (c *Collector) DirtyDisconnect(service string) {
	c.dirtyDisconnects.WithLabelValues(service).Inc()
}

// RoutingDecision increments the routing-decision counter for the role
// the router selected ("master" or "slave").
func (c *Collector) RoutingDecision(service, role string) {
	c.routingDecisionsTotal.WithLabelValues(service, role).Inc()
}

// SetWorkerQueueDepth records a worker's pending message queue depth.
func (c *Collector) SetWorkerQueueDepth(worker string, depth int) {
	c.workerQueueDepth.WithLabelValues(worker).Set(float64(depth))
}

// WorkerTimerFired increments a worker's timer-fire counter.
func (c *Collector) WorkerTimerFired(worker string) {
	c.workerTimerFires.WithLabelValues(worker).Inc()
}

// WorkerBlockingPoolFull increments a worker's blocking-pool-rejected counter.
func (c *Collector) WorkerBlockingPoolFull(worker string) {
	c.workerBlockingFull.WithLabelValues(worker).Inc()
}

// ReplayAttempt records a transaction replay attempt under a result label
// (internal/proxy uses "ok", "failed", "no_target", "migrate_ok" and
// "migrate_failed").
func (c *Collector) ReplayAttempt(service, result string) {
	c.replayAttemptsTotal.WithLabelValues(service, result).Inc()
}

// ReplayChecksumMismatch increments the replay checksum-mismatch counter.
func (c *Collector) ReplayChecksumMismatch(service string) {
	c.replayChecksumErrors.WithLabelValues(service).Inc()
}

// RemoveService removes all service-keyed metrics, used when a service is
// destroyed through the admin API.
func (c *Collector) RemoveService(service string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"service": service})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"service": service})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"service": service})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"service": service})
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"service": service})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"service": service})
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"service": service})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"service": service})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"service": service})
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"service": service})
	c.dirtyDisconnects.DeleteLabelValues(service)
	c.routingDecisionsTotal.DeletePartialMatch(prometheus.Labels{"service": service})
	c.replayAttemptsTotal.DeletePartialMatch(prometheus.Labels{"service": service})
	c.replayChecksumErrors.DeleteLabelValues(service)
}

// RemoveServer removes all server-keyed metrics, used when a server is
// destroyed through the admin API or dropped from the health checker.
func (c *Collector) RemoveServer(server string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"server": server})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"server": server})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"server": server})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"server": server})
	c.serverHealth.DeleteLabelValues(server)
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"server": server})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"server": server})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"server": server})
}
