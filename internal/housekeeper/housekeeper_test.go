package housekeeper

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskRunsRepeatedlyUntilStopped(t *testing.T) {
	h := New()
	var calls atomic.Int64
	h.Add("repeating", 50*time.Millisecond, func() bool {
		calls.Add(1)
		return true
	})
	h.Start()
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls.Load())
	}
}

func TestTaskReturningFalseUnregisters(t *testing.T) {
	h := New()
	var calls atomic.Int64
	h.Add("one-shot", 30*time.Millisecond, func() bool {
		calls.Add(1)
		return false
	})
	h.Start()
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.Tasks()) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 call, got %d", got)
	}
	if tasks := h.Tasks(); len(tasks) != 0 {
		t.Fatalf("expected task to be unregistered, got %v", tasks)
	}
}

func TestRemoveUnregistersBeforeItFires(t *testing.T) {
	h := New()
	var calls atomic.Int64
	h.Add("never", time.Hour, func() bool {
		calls.Add(1)
		return true
	})
	h.Remove("never")

	if tasks := h.Tasks(); len(tasks) != 0 {
		t.Fatalf("expected no tasks after Remove, got %v", tasks)
	}
}

func TestAddReplacesExistingTaskByName(t *testing.T) {
	h := New()
	h.Add("dup", time.Hour, func() bool { return true })
	h.Add("dup", time.Minute, func() bool { return true })

	tasks := h.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected one task after re-Add, got %d", len(tasks))
	}
	if tasks[0].Frequency != time.Minute {
		t.Fatalf("expected replaced frequency of 1m, got %v", tasks[0].Frequency)
	}
}

type fakeIdleSession struct {
	name string
	idle time.Duration
}

func (s *fakeIdleSession) IdleFor() time.Duration { return s.idle }

type fakeLister struct {
	sessions []*fakeIdleSession
}

func (l *fakeLister) Sessions() []*fakeIdleSession { return l.sessions }

func TestSessionIdleSweepClosesOnlyStaleSessions(t *testing.T) {
	h := New()
	fresh := &fakeIdleSession{name: "fresh", idle: time.Second}
	stale := &fakeIdleSession{name: "stale", idle: time.Hour}
	lister := &fakeLister{sessions: []*fakeIdleSession{fresh, stale}}

	var closedNames []string
	RegisterSessionIdleSweep[*fakeIdleSession](h, 20*time.Millisecond, 10*time.Minute, lister,
		func(s *fakeIdleSession) error {
			closedNames = append(closedNames, s.name)
			return nil
		}, nil)

	h.Start()
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(closedNames) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(closedNames) != 1 || closedNames[0] != "stale" {
		t.Fatalf("expected only the stale session closed, got %v", closedNames)
	}
}
