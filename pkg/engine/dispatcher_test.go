package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDispatcher_ApplyBeforeStart(t *testing.T) {
	d, err := NewDispatcher(DispatcherConfig{Connectors: fakeResolver{}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err = d.Apply(context.Background(), &Batch{})
	if !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got: %v", err)
	}
}

func TestDispatcher_StartsDependencyFirst(t *testing.T) {
	conn := newFakeConnector("sim")
	conn.setStartFailures("b", 1000)
	events := &recordingEvents{}
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Events: events})

	a := spec("a", "sim")
	a.AddDependencies = map[string]AddCondition{"b": AddCondRunning}
	b := spec("b", "sim")

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a, b}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}

	waitFor(t, "a to wait for b", func() bool {
		st, ok := d.State("a")
		return ok && st.State == StatePending && st.Substatus == "waiting for b"
	})
	if conn.startCount("a") != 0 {
		t.Fatalf("Expected a not to start while b is not running")
	}

	conn.setStartFailures("b", 0)

	waitForState(t, d, "b", StateRunning)
	waitForState(t, d, "a", StateRunning)

	calls := conn.callLog()
	lastB := -1
	for i, c := range calls {
		if c == "start:b" {
			lastB = i
		}
	}
	if startA := indexOf(calls, "start:a"); startA < lastB {
		t.Errorf("Expected a to start after b, got calls %v", calls)
	}
}

func TestDispatcher_WaitsForSucceededDependency(t *testing.T) {
	conn := newFakeConnector("sim")
	conn.setStartFailures("d", 3)
	conn.exitWith["d"] = ObservedSucceeded
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	c := spec("c", "sim")
	c.AddDependencies = map[string]AddCondition{"d": AddCondSucceeded}
	dep := spec("d", "sim")
	dep.RestartPolicy = RestartNever

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{c, dep}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}

	waitForState(t, d, "d", StateSucceeded)
	waitForState(t, d, "c", StateRunning)

	calls := conn.callLog()
	failedStarts := 0
	for _, call := range calls {
		if call == "start:d" {
			failedStarts++
		}
	}
	if failedStarts != 4 {
		t.Errorf("Expected 4 start attempts for d, got %d", failedStarts)
	}
	if conn.startCount("c") != 1 {
		t.Errorf("Expected c to start once, got %d", conn.startCount("c"))
	}
	if d.retry.Attempts("d") != 0 {
		t.Errorf("Expected retry attempts to reset after start, got %d", d.retry.Attempts("d"))
	}
}

func TestDispatcher_StopsDependentFirst(t *testing.T) {
	conn := newFakeConnector("sim")
	events := &recordingEvents{}
	var d *Dispatcher
	var fAtStop []WorkloadState
	events.hook = func(e Event) {
		if e.Workload == "e" && e.Data["state"] == string(StateStopping) {
			st, _ := d.State("f")
			fAtStop = append(fAtStop, st.State)
		}
	}
	d = newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Events: events})

	e := spec("e", "sim")
	f := spec("f", "sim")
	f.DeleteDependencies = map[string]DeleteCondition{"e": DelCondNotPendingNorRunning}

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{e, f}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "e", StateRunning)
	waitForState(t, d, "f", StateRunning)

	if err := d.Apply(context.Background(), &Batch{Tombstones: []string{"e", "f"}}); err != nil {
		t.Fatalf("Expected deletion to be accepted, got: %v", err)
	}

	waitForState(t, d, "e", StateRemoved)
	waitForState(t, d, "f", StateRemoved)

	events.mu.Lock()
	seen := append([]WorkloadState(nil), fAtStop...)
	events.mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("Expected e to enter Stopping once, got %d", len(seen))
	}
	if seen[0] != StateStopping && seen[0] != StateRemoved {
		t.Errorf("Expected f to be stopping or removed when e stopped, got %s", seen[0])
	}

	if d.Snapshot().Len() != 0 || len(d.Snapshot().Retiring()) != 0 {
		t.Errorf("Expected removed workloads to be evicted from the store")
	}
}

func TestDispatcher_StopWaitsForRunningDependent(t *testing.T) {
	conn := newFakeConnector("sim")
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	db := spec("db", "sim")
	app := spec("app", "sim")
	app.DeleteDependencies = map[string]DeleteCondition{"db": DelCondNotPendingNorRunning}

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{db, app}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "app", StateRunning)
	waitForState(t, d, "db", StateRunning)

	if err := d.Apply(context.Background(), &Batch{Tombstones: []string{"db"}}); err != nil {
		t.Fatalf("Expected deletion to be accepted, got: %v", err)
	}

	waitFor(t, "db to wait", func() bool {
		st, _ := d.State("db")
		return st.State == StateRunning && st.Substatus == SubstatusWaitingToStop
	})
	if conn.stopCount("db") != 0 {
		t.Fatalf("Expected db not to stop while app runs")
	}

	conn.setObserved("app", ObservedSucceeded)
	waitForState(t, d, "db", StateRemoved)
}

func TestDispatcher_IdempotentBatch(t *testing.T) {
	conn := newFakeConnector("sim")
	events := &recordingEvents{}
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Events: events})

	batch := &Batch{Workloads: []WorkloadSpec{spec("a", "sim"), spec("b", "sim")}}
	if err := d.Apply(context.Background(), batch); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)
	waitForState(t, d, "b", StateRunning)

	before := len(events.transitions())
	version := d.Snapshot().Version()

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("a", "sim"), spec("b", "sim")}}); err != nil {
		t.Fatalf("Expected repeated batch to be accepted, got: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if after := len(events.transitions()); after != before {
		t.Errorf("Expected no transitions for an unchanged batch, got %d new", after-before)
	}
	if d.Snapshot().Version() != version {
		t.Errorf("Expected version %d, got %d", version, d.Snapshot().Version())
	}
	if conn.startCount("a") != 1 {
		t.Errorf("Expected a to start once, got %d", conn.startCount("a"))
	}
}

func TestDispatcher_RejectsCycle(t *testing.T) {
	conn := newFakeConnector("sim")
	up := &recordingUpstream{}
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Upstream: up})

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("x", "sim")}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	before := waitForState(t, d, "x", StateRunning)

	x := spec("x", "sim")
	x.RuntimeConfig = "image: changed"
	a := spec("a", "sim")
	a.AddDependencies = map[string]AddCondition{"b": AddCondRunning}
	b := spec("b", "sim")
	b.AddDependencies = map[string]AddCondition{"a": AddCondRunning}

	err := d.Apply(context.Background(), &Batch{RequestID: "req-2", Workloads: []WorkloadSpec{x, a, b}})
	if err == nil {
		t.Fatal("Expected cycle to be rejected")
	}
	if !IsConfigError(err) || !errors.Is(err, ErrCycleFound) {
		t.Errorf("Expected config error wrapping ErrCycleFound, got: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	after, _ := d.State("x")
	if after.Generation != before.Generation {
		t.Errorf("Expected x generation %d, got %d", before.Generation, after.Generation)
	}
	if _, ok := d.State("a"); ok {
		t.Error("Expected a to have no state")
	}

	waitFor(t, "rejection to be reported", func() bool {
		for _, r := range up.batchResults() {
			if r.RequestID == "req-2" {
				return !r.Accepted && r.Code == ErrCodeCycle && len(r.Workloads) == 2
			}
		}
		return false
	})
}

func TestDispatcher_RejectsUnknownRuntime(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": newFakeConnector("sim")}})

	err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("a", "podman")}})
	if err == nil {
		t.Fatal("Expected unknown runtime to be rejected")
	}
	if ErrorCode(err) != ErrCodeUnknownRuntime {
		t.Errorf("Expected code %s, got %s", ErrCodeUnknownRuntime, ErrorCode(err))
	}
	if d.Snapshot().Len() != 0 {
		t.Errorf("Expected empty store after rejection")
	}
}

type denyAll struct{}

func (denyAll) Admit(context.Context, *Batch, *Snapshot) error {
	return errors.New("nothing allowed")
}

func TestDispatcher_AdmitterDenies(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{
		Connectors: fakeResolver{"sim": newFakeConnector("sim")},
		Admitter:   denyAll{},
	})

	err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("a", "sim")}})
	if ErrorCode(err) != ErrCodePolicy {
		t.Errorf("Expected policy violation, got: %v", err)
	}
	if !IsConfigError(err) {
		t.Errorf("Expected policy violation to be a config error")
	}
}

func TestDispatcher_MetadataChangeKeepsRunning(t *testing.T) {
	conn := newFakeConnector("sim")
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	a := spec("a", "sim")
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	a.Tags = map[string]string{"team": "edge"}
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected tag change to be accepted, got: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if conn.startCount("a") != 1 || conn.stopCount("a") != 0 {
		t.Errorf("Expected no restart for a tag change, got %d starts and %d stops",
			conn.startCount("a"), conn.stopCount("a"))
	}
	if got, _ := d.Snapshot().Get("a"); got.Tags["team"] != "edge" {
		t.Errorf("Expected updated tags in the store")
	}
}

func TestDispatcher_RuntimeChangeRestarts(t *testing.T) {
	conn := newFakeConnector("sim")
	events := &recordingEvents{}
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Events: events})

	a := spec("a", "sim")
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	a.RuntimeConfig = "image: a:v2"
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected update to be accepted, got: %v", err)
	}

	waitFor(t, "a to restart", func() bool { return conn.startCount("a") == 2 })
	waitForState(t, d, "a", StateRunning)

	if conn.stopCount("a") != 1 {
		t.Errorf("Expected 1 stop, got %d", conn.stopCount("a"))
	}
	if indexOf(events.transitions(), "a:Stopping:updating") < 0 {
		t.Errorf("Expected an updating transition, got %v", events.transitions())
	}
}

func TestDispatcher_RestartOnFailure(t *testing.T) {
	conn := newFakeConnector("sim")
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	a := spec("a", "sim")
	a.RestartPolicy = RestartOnFailure
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	conn.setObserved("a", ObservedFailed)
	waitFor(t, "a to restart", func() bool { return conn.startCount("a") == 2 })
	waitForState(t, d, "a", StateRunning)

	if conn.stopCount("a") != 1 {
		t.Errorf("Expected the exited instance to be stopped once, got %d", conn.stopCount("a"))
	}
}

func TestDispatcher_RestartRetriesFailedRelease(t *testing.T) {
	conn := newFakeConnector("sim")
	conn.stopFailures["a"] = 1
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	a := spec("a", "sim")
	a.RestartPolicy = RestartAlways
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	conn.setObserved("a", ObservedSucceeded)
	waitFor(t, "a to restart", func() bool { return conn.startCount("a") == 2 })

	var calls []string
	for _, c := range conn.callLog() {
		if c == "start:a" || c == "stop:a" {
			calls = append(calls, c)
		}
	}
	want := []string{"start:a", "stop:a", "stop:a", "start:a"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, calls)
	}
}

func TestDispatcher_RemovalCancelsRetry(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(conn *fakeConnector)
		trigger  func(conn *fakeConnector)
		waitSub  string
		wantStop int
	}{
		{
			name:    "pending start retry",
			prepare: func(conn *fakeConnector) { conn.startFailures["a"] = 1 },
			waitSub: "starting failed",
		},
		{
			name:     "pending restart",
			trigger:  func(conn *fakeConnector) { conn.setObserved("a", ObservedFailed) },
			waitSub:  "restarting in",
			wantStop: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConnector("sim")
			if tt.prepare != nil {
				tt.prepare(conn)
			}
			d := newTestDispatcher(t, DispatcherConfig{
				Connectors: fakeResolver{"sim": conn},
				Retry:      RetryPolicy{BaseDelay: time.Hour, Multiplier: 2, MaxDelay: 2 * time.Hour},
			})

			a := spec("a", "sim")
			a.RestartPolicy = RestartAlways
			if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
				t.Fatalf("Expected batch to be accepted, got: %v", err)
			}
			if tt.trigger != nil {
				waitForState(t, d, "a", StateRunning)
				tt.trigger(conn)
			}
			waitFor(t, "a to wait for its retry", func() bool {
				st, _ := d.State("a")
				return st.State == StatePending && strings.HasPrefix(st.Substatus, tt.waitSub)
			})

			begin := time.Now()
			if err := d.Apply(context.Background(), &Batch{Tombstones: []string{"a"}}); err != nil {
				t.Fatalf("Expected tombstone to be accepted, got: %v", err)
			}
			waitForState(t, d, "a", StateRemoved)
			if elapsed := time.Since(begin); elapsed > time.Second {
				t.Errorf("Expected removal without waiting for the retry, took %s", elapsed)
			}

			time.Sleep(20 * time.Millisecond)
			starts := 0
			for _, c := range conn.callLog() {
				if c == "start:a" {
					starts++
				}
			}
			if starts != 1 {
				t.Errorf("Expected 1 start attempt, got %d", starts)
			}
			if conn.stopCount("a") != tt.wantStop {
				t.Errorf("Expected %d stops, got %d", tt.wantStop, conn.stopCount("a"))
			}
		})
	}
}

func TestDispatcher_NeverRestartKeepsSucceeded(t *testing.T) {
	conn := newFakeConnector("sim")
	conn.exitWith["job"] = ObservedSucceeded
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	job := spec("job", "sim")
	job.RestartPolicy = RestartOnFailure
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{job}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "job", StateSucceeded)
	time.Sleep(30 * time.Millisecond)

	if conn.startCount("job") != 1 {
		t.Errorf("Expected job to start once, got %d", conn.startCount("job"))
	}
}

func TestDispatcher_RetriesFailedStop(t *testing.T) {
	conn := newFakeConnector("sim")
	conn.stopFailures["a"] = 2
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("a", "sim")}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	if err := d.Apply(context.Background(), &Batch{Replace: true}); err != nil {
		t.Fatalf("Expected replace to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRemoved)

	stops := 0
	for _, c := range conn.callLog() {
		if c == "stop:a" {
			stops++
		}
	}
	if stops != 3 {
		t.Errorf("Expected 3 stop attempts, got %d", stops)
	}
}

func TestDispatcher_ReaddWhileStopping(t *testing.T) {
	conn := newFakeConnector("sim")
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	a := spec("a", "sim")
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	if err := d.Apply(context.Background(), &Batch{Tombstones: []string{"a"}}); err != nil {
		t.Fatalf("Expected deletion to be accepted, got: %v", err)
	}
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected re-add to be accepted, got: %v", err)
	}

	waitFor(t, "a to run again", func() bool {
		st, ok := d.State("a")
		return ok && st.State == StateRunning && d.Snapshot().Len() == 1
	})
	if _, ok := d.Snapshot().Get("a"); !ok {
		t.Error("Expected a to be desired")
	}
}

func TestDispatcher_GenerationsIncrease(t *testing.T) {
	conn := newFakeConnector("sim")
	up := &recordingUpstream{}
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Upstream: up})

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("a", "sim")}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)
	if err := d.Apply(context.Background(), &Batch{Replace: true}); err != nil {
		t.Fatalf("Expected replace to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRemoved)

	waitFor(t, "reports to be forwarded", func() bool { return d.Forwarder().Len() == 0 })

	var last uint64
	for _, st := range up.stateReports() {
		if st.Generation != last+1 {
			t.Fatalf("Expected generation %d, got %d (%s)", last+1, st.Generation, st.State)
		}
		if st.Agent != "agent-a" {
			t.Errorf("Expected agent-a, got %s", st.Agent)
		}
		last = st.Generation
	}
	if last < 4 {
		t.Errorf("Expected at least 4 reports, got %d", last)
	}
}

func TestDispatcher_ExternalState(t *testing.T) {
	conn := newFakeConnector("sim")
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}})

	a := spec("a", "sim")
	a.AddDependencies = map[string]AddCondition{"remote": AddCondRunning}
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitFor(t, "a to wait for remote", func() bool {
		st, _ := d.State("a")
		return strings.HasPrefix(st.Substatus, "waiting for remote")
	})

	if !d.ObserveExternalState(ExecutionState{Workload: "remote", Agent: "agent-b", State: StateRunning, Generation: 5}) {
		t.Fatal("Expected external state to be accepted")
	}
	waitForState(t, d, "a", StateRunning)

	if d.ObserveExternalState(ExecutionState{Workload: "remote", Agent: "agent-b", State: StateFailed, Generation: 4}) {
		t.Error("Expected stale report to be ignored")
	}
	if st, _ := d.State("remote"); st.State != StateRunning {
		t.Errorf("Expected remote to stay Running, got %s", st.State)
	}
	if d.ObserveExternalState(ExecutionState{Workload: "a", State: StateFailed, Generation: 1000}) {
		t.Error("Expected report about a local workload to be ignored")
	}
}

func TestDispatcher_ResumesJournaledWorkload(t *testing.T) {
	conn := &resumingConnector{fakeConnector: newFakeConnector("sim")}
	journal := newMemoryJournal()

	a := spec("a", "sim")
	journal.records["a"] = JournalRecord{
		Workload:    "a",
		State:       StateRunning,
		Generation:  7,
		Handle:      Handle{Runtime: "sim", ID: "a-old"},
		Fingerprint: a.Fingerprint(),
	}
	journal.records["orphan"] = JournalRecord{
		Workload:   "orphan",
		State:      StateRunning,
		Generation: 3,
		Handle:     Handle{Runtime: "sim", ID: "orphan-old"},
	}

	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Journal: journal})

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}

	st := waitForState(t, d, "a", StateRunning)
	if st.Substatus != SubstatusResumed {
		t.Errorf("Expected substatus %q, got %q", SubstatusResumed, st.Substatus)
	}
	if st.Generation <= 7 {
		t.Errorf("Expected generation above the journaled 7, got %d", st.Generation)
	}
	if conn.startCount("a") != 0 {
		t.Errorf("Expected no fresh start, got %d", conn.startCount("a"))
	}

	waitFor(t, "orphan to be stopped", func() bool { return conn.stopCount("orphan") == 1 })
	waitFor(t, "orphan record to be deleted", func() bool {
		_, ok := journal.record("orphan")
		return !ok
	})
}

func TestDispatcher_JournalsHandles(t *testing.T) {
	conn := newFakeConnector("sim")
	journal := newMemoryJournal()
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Journal: journal})

	a := spec("a", "sim")
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)

	waitFor(t, "handle to be journaled", func() bool {
		rec, ok := journal.record("a")
		return ok && !rec.Handle.IsZero() && rec.Fingerprint == a.Fingerprint()
	})

	journal.mu.Lock()
	batches := len(journal.batches)
	journal.mu.Unlock()
	if batches != 1 {
		t.Errorf("Expected 1 journaled batch, got %d", batches)
	}
}

func TestDispatcher_RemovalDeletesJournalRecord(t *testing.T) {
	conn := newFakeConnector("sim")
	journal := newMemoryJournal()
	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Journal: journal})

	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{spec("a", "sim"), spec("b", "sim")}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}
	waitForState(t, d, "a", StateRunning)
	waitForState(t, d, "b", StateRunning)

	if err := d.Apply(context.Background(), &Batch{Tombstones: []string{"a"}}); err != nil {
		t.Fatalf("Expected tombstone to be accepted, got: %v", err)
	}
	waitFor(t, "record of a to be deleted", func() bool {
		_, ok := journal.record("a")
		return !ok
	})

	if _, ok := journal.record("b"); !ok {
		t.Error("Expected the record of b to be kept")
	}
	journal.mu.Lock()
	deleted := append([]string(nil), journal.deleted...)
	journal.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "a" {
		t.Errorf("Expected only a to be deleted, got %v", deleted)
	}
}

func TestDispatcher_StopsUnresumableInstance(t *testing.T) {
	conn := newFakeConnector("sim")
	journal := newMemoryJournal()

	a := spec("a", "sim")
	journal.records["a"] = JournalRecord{
		Workload:    "a",
		State:       StateRunning,
		Generation:  2,
		Handle:      Handle{Runtime: "sim", ID: "a-old"},
		Fingerprint: a.Fingerprint(),
	}

	d := newTestDispatcher(t, DispatcherConfig{Connectors: fakeResolver{"sim": conn}, Journal: journal})
	if err := d.Apply(context.Background(), &Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected batch to be accepted, got: %v", err)
	}

	st := waitForState(t, d, "a", StateRunning)
	if st.Substatus == SubstatusResumed {
		t.Error("Expected a fresh start, not a resume")
	}

	calls := conn.callLog()
	if len(calls) < 2 || calls[0] != "stop:a" || calls[1] != "start:a" {
		t.Errorf("Expected the previous instance to be stopped before the start, got %v", calls)
	}
}
