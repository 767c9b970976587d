package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeConnector is a scripted runtime connector.
type fakeConnector struct {
	name string

	mu            sync.Mutex
	startFailures map[string]int
	stopFailures  map[string]int
	exitWith      map[string]ObservedState
	observed      map[string]ObservedState
	starts        map[string]int
	stops         map[string]int
	calls         []string
	seq           int
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{
		name:          name,
		startFailures: make(map[string]int),
		stopFailures:  make(map[string]int),
		exitWith:      make(map[string]ObservedState),
		observed:      make(map[string]ObservedState),
		starts:        make(map[string]int),
		stops:         make(map[string]int),
	}
}

func (c *fakeConnector) Name() string { return c.name }

func (c *fakeConnector) Start(_ context.Context, spec *WorkloadSpec) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "start:"+spec.Name)
	if c.startFailures[spec.Name] > 0 {
		c.startFailures[spec.Name]--
		return Handle{}, errors.New("start failed")
	}
	c.starts[spec.Name]++
	c.seq++
	if st, ok := c.exitWith[spec.Name]; ok {
		c.observed[spec.Name] = st
	} else {
		c.observed[spec.Name] = ObservedRunning
	}
	return Handle{Runtime: c.name, ID: fmt.Sprintf("%s-%d", spec.Name, c.seq)}, nil
}

func (c *fakeConnector) Stop(_ context.Context, name string, _ Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, "stop:"+name)
	if c.stopFailures[name] > 0 {
		c.stopFailures[name]--
		return errors.New("stop failed")
	}
	c.stops[name]++
	delete(c.observed, name)
	return nil
}

func (c *fakeConnector) Poll(_ context.Context, name string, _ Handle) (ObservedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.observed[name]
	if !ok {
		return ObservedVanished, nil
	}
	return st, nil
}

func (c *fakeConnector) setStartFailures(name string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startFailures[name] = n
}

func (c *fakeConnector) setObserved(name string, st ObservedState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[name] = st
}

func (c *fakeConnector) startCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts[name]
}

func (c *fakeConnector) stopCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops[name]
}

func (c *fakeConnector) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// resumingConnector adopts every handle it is asked to resume.
type resumingConnector struct {
	*fakeConnector
	resumed []string
}

func (c *resumingConnector) Resume(_ context.Context, name string, handle Handle) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = append(c.resumed, name)
	c.observed[name] = ObservedRunning
	return handle, nil
}

type fakeResolver map[string]RuntimeConnector

func (r fakeResolver) Lookup(runtime string) (RuntimeConnector, error) {
	c, ok := r[runtime]
	if !ok {
		return nil, fmt.Errorf("runtime not found: %s", runtime)
	}
	return c, nil
}

// recordingUpstream collects delivered reports.
type recordingUpstream struct {
	mu       sync.Mutex
	states   []ExecutionState
	results  []BatchResult
	failures int
}

func (u *recordingUpstream) ReportExecutionState(_ context.Context, st ExecutionState) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return errors.New("connection refused")
	}
	u.states = append(u.states, st)
	return nil
}

func (u *recordingUpstream) ReportBatchResult(_ context.Context, r BatchResult) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return errors.New("connection refused")
	}
	u.results = append(u.results, r)
	return nil
}

func (u *recordingUpstream) batchResults() []BatchResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]BatchResult(nil), u.results...)
}

func (u *recordingUpstream) stateReports() []ExecutionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]ExecutionState(nil), u.states...)
}

// recordingEvents collects published events in order.
type recordingEvents struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

func (r *recordingEvents) Publish(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	if r.hook != nil {
		r.hook(*e)
	}
	return nil
}

// transitions returns "workload:State:substatus" for every state change.
func (r *recordingEvents) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, e := range r.events {
		if e.Type == EventWorkloadStateChanged {
			out = append(out, fmt.Sprintf("%s:%s:%s", e.Workload, e.Data["state"], e.Data["substatus"]))
		}
	}
	return out
}

// memoryJournal is an in-memory StateJournal.
type memoryJournal struct {
	mu      sync.Mutex
	records map[string]JournalRecord
	batches []BatchResult
	deleted []string
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{records: make(map[string]JournalRecord)}
}

func (j *memoryJournal) RecordState(_ context.Context, st ExecutionState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.records[st.Workload]
	rec.Workload = st.Workload
	rec.State = st.State
	rec.Substatus = st.Substatus
	rec.Generation = st.Generation
	rec.UpdatedAt = st.Timestamp
	j.records[st.Workload] = rec
	return nil
}

func (j *memoryJournal) RecordHandle(_ context.Context, workload string, handle Handle, fingerprint string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.records[workload]
	rec.Workload = workload
	rec.Handle = handle
	rec.Fingerprint = fingerprint
	j.records[workload] = rec
	return nil
}

func (j *memoryJournal) ClearHandle(_ context.Context, workload string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := j.records[workload]
	rec.Handle = Handle{}
	rec.Fingerprint = ""
	j.records[workload] = rec
	return nil
}

func (j *memoryJournal) RecordBatch(_ context.Context, r BatchResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.batches = append(j.batches, r)
	return nil
}

func (j *memoryJournal) LoadRecords(_ context.Context) ([]JournalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalRecord, 0, len(j.records))
	for _, rec := range j.records {
		out = append(out, rec)
	}
	return out, nil
}

func (j *memoryJournal) DeleteRecord(_ context.Context, workload string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.records, workload)
	j.deleted = append(j.deleted, workload)
	return nil
}

func (j *memoryJournal) record(workload string) (JournalRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[workload]
	return rec, ok
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  2 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   20 * time.Millisecond,
		Jitter:     0,
	}
}

// newTestDispatcher starts a dispatcher that is stopped when the test ends.
func newTestDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()

	if cfg.Agent == "" {
		cfg.Agent = "agent-a"
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = testRetryPolicy()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	cfg.Logger = zerolog.Nop()

	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Failed to start dispatcher: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitForState(t *testing.T, d *Dispatcher, name string, state WorkloadState) ExecutionState {
	t.Helper()

	var last ExecutionState
	waitFor(t, fmt.Sprintf("%s to reach %s", name, state), func() bool {
		st, ok := d.State(name)
		last = st
		return ok && st.State == state
	})
	return last
}

func indexOf(list []string, item string) int {
	for i, s := range list {
		if s == item {
			return i
		}
	}
	return -1
}

func spec(name, runtime string) WorkloadSpec {
	return WorkloadSpec{Name: name, Runtime: runtime, RuntimeConfig: "image: " + name}
}
