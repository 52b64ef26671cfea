package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for connection gauges.
	c.UpdatePoolStats("svc1", "srv1", 3, 5, 8, 1)

	val := getGaugeValue(c.connectionsActive.WithLabelValues("svc1", "srv1"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value
	c.UpdatePoolStats("svc1", "srv1", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("svc1", "srv1"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestQueryDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryDuration("svc1", 100*time.Millisecond)
	c.QueryDuration("svc1", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "dbbouncer_query_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("query duration metric not found")
	}
}

func TestSetServerHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetServerHealth("srv1", true)
	val := getGaugeValue(c.serverHealth.WithLabelValues("srv1"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetServerHealth("srv1", false)
	val = getGaugeValue(c.serverHealth.WithLabelValues("srv1"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("svc1", "srv1")
	c.PoolExhausted("svc1", "srv1")
	c.PoolExhausted("svc1", "srv1")

	val := getCounterValue(c.poolExhausted.WithLabelValues("svc1", "srv1"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("svc1", "srv1", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("svc1", "srv1")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("svc1", "srv1")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("svc1", "srv1")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("svc1", "srv1")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestRemoveService(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("svc1", "srv1", 1, 2, 3, 0)
	c.TransactionCompleted("svc1", 10*time.Millisecond)
	c.PoolExhausted("svc1", "srv1")

	c.RemoveService("svc1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "service" && l.GetValue() == "svc1" {
					t.Errorf("metric %s still has svc1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestRemoveServer(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("svc1", "srv1", 1, 2, 3, 0)
	c.SetServerHealth("srv1", true)

	c.RemoveServer("srv1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "server" && l.GetValue() == "srv1" {
					t.Errorf("metric %s still has srv1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleServices(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("svc1", "srv1", 1, 0, 1, 0)
	c.UpdatePoolStats("svc2", "srv2", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("svc1", "srv1"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("svc2", "srv2"))

	if v1 != 1 {
		t.Errorf("expected svc1 active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected svc2 active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("svc1", "srv1", 1, 0, 1, 0)
	c2.UpdatePoolStats("svc1", "srv1", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("svc1", "srv1"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("svc1", "srv1"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}

// --- Transaction and replay metrics ---

func TestTransactionCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.TransactionCompleted("svc1", 50*time.Millisecond)
	c.TransactionCompleted("svc1", 100*time.Millisecond)

	val := getCounterValue(c.transactionsTotal.WithLabelValues("svc1"))
	if val != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", val)
	}

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "dbbouncer_transaction_duration_seconds" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("svc1", "srv1", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "dbbouncer_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SessionPinned("svc1", "listen command")
	c.SessionPinned("svc1", "listen command")
	c.SessionPinned("svc1", "named prepared statement")

	val := getCounterValue(c.sessionPinsTotal.WithLabelValues("svc1", "listen command"))
	if val != 2 {
		t.Errorf("expected listen pins=2, got %v", val)
	}
	val = getCounterValue(c.sessionPinsTotal.WithLabelValues("svc1", "named prepared statement"))
	if val != 1 {
		t.Errorf("expected prepared stmt pins=1, got %v", val)
	}
}

func TestBackendReset(t *testing.T) {
	c, _ := newTestCollector(t)

	c.BackendReset("srv1", true)
	c.BackendReset("srv1", true)
	c.BackendReset("srv1", false)

	successVal := getCounterValue(c.backendResetsTotal.WithLabelValues("srv1", "success"))
	if successVal != 2 {
		t.Errorf("expected reset success=2, got %v", successVal)
	}
	failVal := getCounterValue(c.backendResetsTotal.WithLabelValues("srv1", "failure"))
	if failVal != 1 {
		t.Errorf("expected reset failure=1, got %v", failVal)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("svc1")
	c.DirtyDisconnect("svc1")

	val := getCounterValue(c.dirtyDisconnects.WithLabelValues("svc1"))
	if val != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", val)
	}
}

func TestRoutingDecision(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RoutingDecision("svc1", "master")
	c.RoutingDecision("svc1", "slave")
	c.RoutingDecision("svc1", "slave")

	if v := getCounterValue(c.routingDecisionsTotal.WithLabelValues("svc1", "slave")); v != 2 {
		t.Errorf("expected slave routing decisions=2, got %v", v)
	}
}

func TestWorkerGauges(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetWorkerQueueDepth("w0", 7)
	if v := getGaugeValue(c.workerQueueDepth.WithLabelValues("w0")); v != 7 {
		t.Errorf("expected queue depth=7, got %v", v)
	}

	c.WorkerTimerFired("w0")
	c.WorkerTimerFired("w0")
	if v := getCounterValue(c.workerTimerFires.WithLabelValues("w0")); v != 2 {
		t.Errorf("expected timer fires=2, got %v", v)
	}

	c.WorkerBlockingPoolFull("w0")
	if v := getCounterValue(c.workerBlockingFull.WithLabelValues("w0")); v != 1 {
		t.Errorf("expected blocking-pool-full=1, got %v", v)
	}
}

func TestReplayMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ReplayAttempt("svc1", "success")
	c.ReplayAttempt("svc1", "failure")
	c.ReplayAttempt("svc1", "success")
	c.ReplayChecksumMismatch("svc1")

	if v := getCounterValue(c.replayAttemptsTotal.WithLabelValues("svc1", "success")); v != 2 {
		t.Errorf("expected replay success=2, got %v", v)
	}
	if v := getCounterValue(c.replayAttemptsTotal.WithLabelValues("svc1", "failure")); v != 1 {
		t.Errorf("expected replay failure=1, got %v", v)
	}
	if v := getCounterValue(c.replayChecksumErrors.WithLabelValues("svc1")); v != 1 {
		t.Errorf("expected checksum mismatch=1, got %v", v)
	}
}
