package router

import (
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/classifier"
	"github.com/dbbouncer/dbbouncer/internal/server"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

func runningMaster(name string) *server.Server {
	s := server.New(name, "127.0.0.1", 3306)
	s.Publish(server.Running|server.Master|server.AuthOK, server.Coordinates{}, 1, 0, "")
	return s
}

func runningSlave(name string) *server.Server {
	s := server.New(name, "127.0.0.1", 3306)
	s.Publish(server.Running|server.Slave|server.AuthOK, server.Coordinates{}, 2, 0, "")
	return s
}

func TestAddServerAndServers(t *testing.T) {
	r := New(Config{})
	m := runningMaster("m1")
	r.AddServer("svc", m)

	servers := r.Servers("svc")
	if len(servers) != 1 || servers[0].Name != "m1" {
		t.Fatalf("expected [m1], got %v", servers)
	}

	// Adding the same server again should not duplicate it.
	r.AddServer("svc", m)
	if len(r.Servers("svc")) != 1 {
		t.Fatalf("expected no duplicate on re-add")
	}
}

func TestRemoveServer(t *testing.T) {
	r := New(Config{})
	m := runningMaster("m1")
	r.AddServer("svc", m)

	if !r.RemoveServer("svc", "m1") {
		t.Fatalf("expected RemoveServer to succeed")
	}
	if len(r.Servers("svc")) != 0 {
		t.Fatalf("expected server removed")
	}
	if r.RemoveServer("svc", "m1") {
		t.Fatalf("expected RemoveServer to report false for already-removed server")
	}
}

func TestPauseResumeService(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))

	if r.IsPaused("svc") {
		t.Fatalf("expected not paused initially")
	}
	if !r.PauseService("svc") {
		t.Fatalf("expected PauseService to succeed")
	}
	if !r.IsPaused("svc") {
		t.Fatalf("expected svc paused")
	}
	if !r.ResumeService("svc") {
		t.Fatalf("expected ResumeService to succeed")
	}
	if r.IsPaused("svc") {
		t.Fatalf("expected svc unpaused")
	}
	if r.PauseService("nonexistent") {
		t.Fatalf("expected PauseService to fail for unknown service")
	}
}

func TestSelectTargetWritesGoToMaster(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))
	r.AddServer("svc", runningSlave("s1"))

	sess := session.New("u", "db", nil)
	d, err := r.SelectTarget("svc", sess, classifier.Write)
	if err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if d.Role != RoleMaster {
		t.Fatalf("expected RoleMaster, got %v", d.Role)
	}
}

func TestSelectTargetReadsGoToSlaveWhenUsable(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))
	r.AddServer("svc", runningSlave("s1"))

	sess := session.New("u", "db", nil)
	d, err := r.SelectTarget("svc", sess, classifier.Read)
	if err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if d.Role != RoleSlave {
		t.Fatalf("expected RoleSlave, got %v", d.Role)
	}
}

func TestSelectTargetReadsFallBackToMasterWithNoSlave(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))

	sess := session.New("u", "db", nil)
	d, err := r.SelectTarget("svc", sess, classifier.Read)
	if err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if d.Role != RoleMaster {
		t.Fatalf("expected fallback to RoleMaster, got %v", d.Role)
	}
}

func TestSelectTargetNoUsableMasterIsError(t *testing.T) {
	r := New(Config{})
	sess := session.New("u", "db", nil)
	_, err := r.SelectTarget("svc", sess, classifier.Write)
	if err == nil {
		t.Fatalf("expected ErrNoUsableMaster")
	}
}

func TestSelectTargetPinsExplicitTransactionToMaster(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))
	r.AddServer("svc", runningSlave("s1"))

	sess := session.New("u", "db", nil)

	begin, err := r.SelectTarget("svc", sess, classifier.BeginTrx)
	if err != nil {
		t.Fatalf("SelectTarget BEGIN: %v", err)
	}
	if begin.Role != RoleMaster {
		t.Fatalf("expected explicit BEGIN to route to master, got %v", begin.Role)
	}
	if sess.TxnState() != session.TransactionOpen {
		t.Fatalf("expected TransactionOpen, got %v", sess.TxnState())
	}

	// A pure read inside the now-open transaction must stay on master.
	read, err := r.SelectTarget("svc", sess, classifier.Read)
	if err != nil {
		t.Fatalf("SelectTarget read-in-txn: %v", err)
	}
	if read.Role != RoleMaster {
		t.Fatalf("expected read inside open transaction to stay on master, got %v", read.Role)
	}

	commit, err := r.SelectTarget("svc", sess, classifier.Commit)
	if err != nil {
		t.Fatalf("SelectTarget COMMIT: %v", err)
	}
	if commit.Role != RoleMaster {
		t.Fatalf("expected COMMIT to route to master, got %v", commit.Role)
	}
	if sess.TxnState() != session.NoTransaction {
		t.Fatalf("expected NoTransaction after COMMIT, got %v", sess.TxnState())
	}
}

func TestSelectTargetOptimisticTrxStartsOnSlaveThenMigrates(t *testing.T) {
	r := New(Config{OptimisticTrx: true})
	r.AddServer("svc", runningMaster("m1"))
	r.AddServer("svc", runningSlave("s1"))

	sess := session.New("u", "db", nil)

	begin, err := r.SelectTarget("svc", sess, classifier.BeginTrx)
	if err != nil {
		t.Fatalf("SelectTarget BEGIN: %v", err)
	}
	if begin.Role != RoleSlave {
		t.Fatalf("expected optimistic BEGIN to tentatively target slave, got %v", begin.Role)
	}
	if sess.TxnState() != session.OptimisticOnSlave {
		t.Fatalf("expected OptimisticOnSlave, got %v", sess.TxnState())
	}

	read, err := r.SelectTarget("svc", sess, classifier.Read)
	if err != nil {
		t.Fatalf("SelectTarget read: %v", err)
	}
	if read.Role != RoleSlave {
		t.Fatalf("expected read to stay on slave before any write, got %v", read.Role)
	}

	write, err := r.SelectTarget("svc", sess, classifier.Write)
	if err != nil {
		t.Fatalf("SelectTarget write: %v", err)
	}
	if write.Role != RoleMaster {
		t.Fatalf("expected write to migrate to master, got %v", write.Role)
	}
	if !write.Migrate {
		t.Fatalf("expected Migrate flag set on the migrating write")
	}
	if sess.TxnState() != session.TransactionOpen {
		t.Fatalf("expected TransactionOpen after migration, got %v", sess.TxnState())
	}
}

func TestSelectTargetHoldsDuringReplay(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))

	sess := session.New("u", "db", nil)
	sess.BeginTransaction(false)
	sess.BeginReplay()

	d, err := r.SelectTarget("svc", sess, classifier.Read)
	if err != nil {
		t.Fatalf("SelectTarget during replay: %v", err)
	}
	if d.Role != RoleHold {
		t.Fatalf("expected RoleHold during replay, got %v", d.Role)
	}
}

func TestSelectTargetSessionWriteSetsFanOut(t *testing.T) {
	r := New(Config{})
	r.AddServer("svc", runningMaster("m1"))

	sess := session.New("u", "db", nil)
	d, err := r.SelectTarget("svc", sess, classifier.SessionWrite)
	if err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if !d.FanOut {
		t.Fatalf("expected FanOut for SESSION_WRITE")
	}
}

func TestSlaveUsabilityRespectsReplicationLag(t *testing.T) {
	r := New(Config{MaxSlaveReplicationLag: time.Second})
	r.AddServer("svc", runningMaster("m1"))

	laggy := server.New("s1", "127.0.0.1", 3306)
	laggy.Publish(server.Running|server.Slave|server.AuthOK, server.Coordinates{}, 2, 10*time.Second, "")
	r.AddServer("svc", laggy)

	sess := session.New("u", "db", nil)
	d, err := r.SelectTarget("svc", sess, classifier.Read)
	if err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if d.Role != RoleMaster {
		t.Fatalf("expected fallback to master when the only slave is too laggy, got %v", d.Role)
	}
}

func TestChecksumReconciliation(t *testing.T) {
	primary := []byte("OK packet payload")
	sum := ChecksumReply(primary)

	if err := ReconcileFanOut(sum, primary); err != nil {
		t.Fatalf("expected matching checksum to reconcile, got %v", err)
	}
	if err := ReconcileFanOut(sum, []byte("different payload")); err != ErrFanOutMismatch {
		t.Fatalf("expected ErrFanOutMismatch, got %v", err)
	}
}
