package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPollInterval is how often running workloads are polled.
const DefaultPollInterval = 500 * time.Millisecond

// ErrNotStarted is returned by Apply before Start was called.
var ErrNotStarted = errors.New("dispatcher not started")

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	// Agent is the name of the agent hosting the workloads.
	Agent string

	// Connectors resolves runtime names. Required.
	Connectors ConnectorResolver

	// Retry configures the backoff of failed runtime calls.
	Retry RetryPolicy

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Upstream receives reports. Optional.
	Upstream Upstream

	// ForwarderCapacity bounds the outbound queue.
	ForwarderCapacity int

	// Journal persists states and handles. Optional.
	Journal StateJournal

	// Admitter can veto batches. Optional.
	Admitter Admitter

	Events  EventPublisher
	Metrics MetricsRecorder
	Logger  zerolog.Logger
}

// Dispatcher applies desired-state batches, owns one state machine per
// local workload and fans execution state changes out to waiting
// machines and upstream.
type Dispatcher struct {
	agent        string
	connectors   ConnectorResolver
	retry        *RetryController
	pollInterval time.Duration
	journal      StateJournal
	admitter     Admitter
	events       EventPublisher
	metrics      MetricsRecorder
	logger       zerolog.Logger
	tracer       trace.Tracer

	store     *SpecStore
	states    *StateTable
	graph     atomic.Pointer[DependencyGraph]
	forwarder *Forwarder

	// applyMu serializes batches and graph rebuilds
	applyMu sync.Mutex

	mu       sync.RWMutex
	machines map[string]*machine
	ctx      context.Context
	wg       sync.WaitGroup

	// gateMu guards gating evaluation together with the waiter index so a
	// state change cannot slip between a check and the registration
	gateMu   sync.Mutex
	waiters  map[string]map[*machine]bool
	blocking map[*machine][]string

	// persisted records from a previous run, consumed by new machines
	recordsMu   sync.Mutex
	records     map[string]JournalRecord
	reconciled  bool
	accepted    atomic.Bool
	reconcileWG sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Start must be called before Apply.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Connectors == nil {
		return nil, fmt.Errorf("dispatcher requires a connector resolver")
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Events == nil {
		cfg.Events = noopEvents{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	d := &Dispatcher{
		agent:        cfg.Agent,
		connectors:   cfg.Connectors,
		retry:        NewRetryController(cfg.Retry),
		pollInterval: cfg.PollInterval,
		journal:      cfg.Journal,
		admitter:     cfg.Admitter,
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "dispatcher").Logger(),
		tracer:       otel.Tracer("github.com/driftwood-io/driftwood/pkg/engine"),
		store:        NewSpecStore(),
		states:       NewStateTable(),
		machines:     make(map[string]*machine),
		waiters:      make(map[string]map[*machine]bool),
		blocking:     make(map[*machine][]string),
		records:      make(map[string]JournalRecord),
	}

	if cfg.Upstream != nil {
		d.forwarder = NewForwarder(cfg.Upstream, cfg.ForwarderCapacity, cfg.Logger, cfg.Metrics)
	}

	graph, _ := BuildDependencyGraph(d.store.Snapshot())
	d.graph.Store(graph)
	return d, nil
}

// Start loads the journal and starts the upstream forwarder. Machines run
// until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.journal != nil {
		records, err := d.journal.LoadRecords(ctx)
		if err != nil {
			return fmt.Errorf("failed to load state journal: %w", err)
		}
		d.recordsMu.Lock()
		for _, rec := range records {
			d.records[rec.Workload] = rec
		}
		d.recordsMu.Unlock()
		d.logger.Info().Int("records", len(records)).Msg("Loaded state journal")
	}

	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	if d.forwarder != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.forwarder.Run(ctx)
		}()
	}
	return nil
}

// Wait blocks until every machine and the forwarder returned after the
// Start context was canceled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.reconcileWG.Wait()
}

// Apply merges a desired-state batch. Rejected batches leave every
// workload untouched and return a configuration error.
func (d *Dispatcher) Apply(ctx context.Context, batch *Batch) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	runCtx := d.runContext()
	if runCtx == nil {
		return ErrNotStarted
	}

	if batch.RequestID == "" {
		batch.RequestID = uuid.New().String()
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.apply",
		trace.WithAttributes(
			attribute.String("batch.request_id", batch.RequestID),
			attribute.Int("batch.workloads", len(batch.Workloads)),
			attribute.Int("batch.tombstones", len(batch.Tombstones)),
			attribute.Bool("batch.replace", batch.Replace),
		))
	defer span.End()

	if err := d.admit(ctx, batch); err != nil {
		d.reject(ctx, batch, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	changes, err := d.store.Apply(batch)
	if err != nil {
		d.reject(ctx, batch, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !changes.Empty() {
		if err := d.rebuildGraph(); err != nil {
			// the store already rejected cycles
			d.logger.Error().Err(err).Msg("Failed to rebuild dependency graph")
		}

		for _, spec := range changes.Added {
			d.spawn(runCtx, spec)
		}
		for _, c := range changes.Modified {
			d.mu.RLock()
			m, ok := d.machines[c.New.Name]
			d.mu.RUnlock()
			if !ok || !m.update(c.New) {
				d.spawn(runCtx, c.New)
			}
		}
		for _, name := range changes.Removed {
			d.mu.RLock()
			m, ok := d.machines[name]
			d.mu.RUnlock()
			if !ok || !m.remove() {
				d.store.Evict(name)
				_ = d.rebuildGraph()
			}
		}

		d.wakeAll()
	}

	span.SetAttributes(
		attribute.Int("changes.added", len(changes.Added)),
		attribute.Int("changes.modified", len(changes.Modified)),
		attribute.Int("changes.removed", len(changes.Removed)),
	)
	span.SetStatus(codes.Ok, "")

	d.acceptBatch(ctx, batch, changes)

	if !d.accepted.Swap(true) {
		d.reconcileWG.Add(1)
		go func() {
			defer d.reconcileWG.Done()
			d.reconcileOrphans(runCtx)
		}()
	}
	return nil
}

func (d *Dispatcher) runContext() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// admit rejects batches naming runtimes nobody provides and asks the
// configured Admitter.
func (d *Dispatcher) admit(ctx context.Context, batch *Batch) error {
	for i := range batch.Workloads {
		spec := &batch.Workloads[i]
		if spec.Runtime == "" {
			continue
		}
		if _, err := d.connectors.Lookup(spec.Runtime); err != nil {
			return NewConfigError(fmt.Sprintf("workload %q uses unknown runtime %q", spec.Name, spec.Runtime), spec.Name).
				WithCode(ErrCodeUnknownRuntime)
		}
	}

	if d.admitter != nil {
		if err := d.admitter.Admit(ctx, batch, d.store.Snapshot()); err != nil {
			if IsConfigError(err) {
				return err
			}
			return NewPermanentError("batch denied by admission policy", err).WithCode(ErrCodePolicy)
		}
	}
	return nil
}

func (d *Dispatcher) reject(ctx context.Context, batch *Batch, err error) {
	result := BatchResult{
		RequestID: batch.RequestID,
		Accepted:  false,
		Error:     err.Error(),
		Code:      ErrorCode(err),
		Workloads: ErrorWorkloads(err),
		Timestamp: time.Now(),
	}

	d.logger.Warn().Err(err).
		Str("request_id", batch.RequestID).
		Str("code", result.Code).
		Strs("workloads", result.Workloads).
		Msg("Rejected desired-state batch")

	d.finishBatch(ctx, result, EventBatchRejected, len(batch.Workloads))
}

func (d *Dispatcher) acceptBatch(ctx context.Context, batch *Batch, changes *Changeset) {
	result := BatchResult{
		RequestID: batch.RequestID,
		Accepted:  true,
		Timestamp: time.Now(),
	}

	d.logger.Info().
		Str("request_id", batch.RequestID).
		Uint64("version", changes.Version).
		Int("added", len(changes.Added)).
		Int("modified", len(changes.Modified)).
		Int("removed", len(changes.Removed)).
		Msg("Applied desired-state batch")

	d.finishBatch(ctx, result, EventBatchAccepted, len(batch.Workloads))
}

func (d *Dispatcher) finishBatch(ctx context.Context, result BatchResult, eventType EventType, size int) {
	d.metrics.RecordBatch(result.Accepted, result.Code)

	if d.journal != nil {
		if err := d.journal.RecordBatch(ctx, result); err != nil {
			d.logger.Error().Err(err).Str("request_id", result.RequestID).Msg("Failed to journal batch result")
		}
	}
	if d.forwarder != nil {
		d.forwarder.EnqueueResult(result)
	}

	data := map[string]interface{}{"accepted": result.Accepted, "size": size}
	if !result.Accepted {
		data["code"] = result.Code
		data["workloads"] = result.Workloads
	}
	d.publish(&Event{
		Type:      eventType,
		RequestID: result.RequestID,
		Message:   result.Error,
		Data:      data,
	})
}

// spawn creates and starts the machine of a new workload. Callers hold applyMu.
func (d *Dispatcher) spawn(ctx context.Context, spec *WorkloadSpec) {
	generation := d.states.Generation(spec.Name)

	d.recordsMu.Lock()
	rec, hasRecord := d.records[spec.Name]
	delete(d.records, spec.Name)
	d.recordsMu.Unlock()

	var resume *JournalRecord
	if hasRecord {
		if rec.Generation > generation {
			generation = rec.Generation
		}
		if !rec.Handle.IsZero() {
			resume = &rec
		}
	}

	m := newMachine(d, spec, generation, resume)

	d.mu.Lock()
	d.machines[spec.Name] = m
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		m.run(ctx)
	}()
}

// retire evicts a machine that reached Removed. It returns false if the
// workload was re-added and the machine must keep running.
func (d *Dispatcher) retire(m *machine) bool {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	m.mu.Lock()
	if !m.removing {
		m.mu.Unlock()
		return false
	}
	m.exited = true
	m.mu.Unlock()

	d.mu.Lock()
	if d.machines[m.name] == m {
		delete(d.machines, m.name)
	}
	d.mu.Unlock()

	d.unregister(m)
	d.retry.Reset(m.name)

	if d.store.Evict(m.name) {
		if err := d.rebuildGraph(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to rebuild dependency graph")
		}
	}
	d.deleteJournalRecord(m.name)
	d.wakeAll()
	return true
}

// rebuildGraph derives the graph from the current snapshot. Callers hold applyMu.
func (d *Dispatcher) rebuildGraph() error {
	graph, err := BuildDependencyGraph(d.store.Snapshot())
	if err != nil {
		return err
	}
	d.graph.Store(graph)
	return nil
}

// gateStart evaluates the add conditions of a machine's workload and
// registers it as a waiter on its blockers.
func (d *Dispatcher) gateStart(m *machine) (bool, []string) {
	d.gateMu.Lock()
	defer d.gateMu.Unlock()

	ok, blockers := d.graph.Load().CanStart(m.name, d.states)
	d.registerLocked(m, blockers)
	return ok, blockers
}

// gateStop evaluates the delete conditions other workloads hold on a
// machine's workload.
func (d *Dispatcher) gateStop(m *machine) (bool, []string) {
	d.gateMu.Lock()
	defer d.gateMu.Unlock()

	ok, blockers := d.graph.Load().CanStop(m.name, d.states)
	d.registerLocked(m, blockers)
	return ok, blockers
}

func (d *Dispatcher) registerLocked(m *machine, blockers []string) {
	for _, name := range d.blocking[m] {
		delete(d.waiters[name], m)
		if len(d.waiters[name]) == 0 {
			delete(d.waiters, name)
		}
	}
	delete(d.blocking, m)

	if len(blockers) == 0 {
		return
	}
	for _, name := range blockers {
		if d.waiters[name] == nil {
			d.waiters[name] = make(map[*machine]bool)
		}
		d.waiters[name][m] = true
	}
	d.blocking[m] = blockers
}

func (d *Dispatcher) unregister(m *machine) {
	d.gateMu.Lock()
	defer d.gateMu.Unlock()
	d.registerLocked(m, nil)
}

// wakeWaiters pokes every machine blocked on name.
func (d *Dispatcher) wakeWaiters(name string) {
	d.gateMu.Lock()
	waiting := make([]*machine, 0, len(d.waiters[name]))
	for m := range d.waiters[name] {
		waiting = append(waiting, m)
	}
	d.gateMu.Unlock()

	for _, m := range waiting {
		m.poke()
	}
}

// wakeAll pokes every machine after the graph changed.
func (d *Dispatcher) wakeAll() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.machines {
		m.poke()
	}
}

// onMachineReport handles a transition or substatus change of a local workload.
func (d *Dispatcher) onMachineReport(m *machine, from WorkloadState, st ExecutionState) {
	d.gateMu.Lock()
	accepted := d.states.Record(st)
	d.gateMu.Unlock()
	if !accepted {
		return
	}

	if from != st.State {
		d.metrics.RecordTransition(from, st.State)
	}

	m.logger.Debug().
		Str("from", string(from)).
		Str("state", string(st.State)).
		Str("substatus", st.Substatus).
		Uint64("generation", st.Generation).
		Msg("Workload state changed")

	ctx := d.runContext()
	if ctx == nil {
		ctx = context.Background()
	}

	if d.journal != nil {
		if err := d.journal.RecordState(ctx, st); err != nil {
			m.logger.Error().Err(err).Msg("Failed to journal execution state")
		}
	}
	if d.forwarder != nil {
		d.forwarder.EnqueueState(st)
	}

	d.publish(&Event{
		Type:     EventWorkloadStateChanged,
		Workload: st.Workload,
		Message:  fmt.Sprintf("%s: %s", st.State, st.Substatus),
		Data: map[string]interface{}{
			"from":       string(from),
			"state":      string(st.State),
			"substatus":  st.Substatus,
			"generation": st.Generation,
		},
	})

	d.wakeWaiters(st.Workload)
}

// ObserveExternalState records the state of a workload hosted by another
// agent. Reports about local workloads and stale generations are ignored.
func (d *Dispatcher) ObserveExternalState(st ExecutionState) bool {
	if _, _, local := d.store.Snapshot().Lookup(st.Workload); local {
		return false
	}
	d.mu.RLock()
	_, running := d.machines[st.Workload]
	d.mu.RUnlock()
	if running {
		return false
	}

	d.gateMu.Lock()
	accepted := d.states.Record(st)
	d.gateMu.Unlock()
	if !accepted {
		return false
	}

	d.logger.Debug().
		Str("workload", st.Workload).
		Str("agent", st.Agent).
		Str("state", string(st.State)).
		Uint64("generation", st.Generation).
		Msg("Observed external workload state")

	d.wakeWaiters(st.Workload)
	return true
}

// recordRetry reports a scheduled retry to metrics and events.
func (d *Dispatcher) recordRetry(operation, name string, attempt int, delay time.Duration) {
	d.metrics.RecordRetryScheduled(operation, attempt, delay)
	d.publish(&Event{
		Type:     EventRetryScheduled,
		Workload: name,
		Message:  fmt.Sprintf("%s retry %d in %s", operation, attempt, delay),
		Data: map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		},
	})
}

func (d *Dispatcher) journalHandle(ctx context.Context, name string, handle Handle, fingerprint string) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordHandle(ctx, name, handle, fingerprint); err != nil {
		d.logger.Error().Err(err).Str("workload", name).Msg("Failed to journal runtime handle")
	}
}

func (d *Dispatcher) clearJournalHandle(ctx context.Context, name string) {
	if d.journal == nil {
		return
	}
	if err := d.journal.ClearHandle(ctx, name); err != nil {
		d.logger.Error().Err(err).Str("workload", name).Msg("Failed to clear runtime handle")
	}
}

// deleteJournalRecord drops the persisted record of a removed workload. Its
// state history is kept.
func (d *Dispatcher) deleteJournalRecord(name string) {
	if d.journal == nil {
		return
	}
	ctx := d.runContext()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.journal.DeleteRecord(ctx, name); err != nil {
		d.logger.Error().Err(err).Str("workload", name).Msg("Failed to delete journal record")
	}
}

// reconcileOrphans stops workloads journaled by a previous run that are no
// longer part of the desired state.
func (d *Dispatcher) reconcileOrphans(ctx context.Context) {
	d.recordsMu.Lock()
	if d.reconciled {
		d.recordsMu.Unlock()
		return
	}
	d.reconciled = true
	records := make([]JournalRecord, 0, len(d.records))
	for _, rec := range d.records {
		records = append(records, rec)
	}
	d.records = make(map[string]JournalRecord)
	d.recordsMu.Unlock()

	snapshot := d.store.Snapshot()
	for _, rec := range records {
		if _, _, desired := snapshot.Lookup(rec.Workload); desired {
			continue
		}

		logger := d.logger.With().Str("workload", rec.Workload).Logger()
		if !rec.Handle.IsZero() {
			conn, err := d.connectors.Lookup(rec.Handle.Runtime)
			if err != nil {
				logger.Warn().Err(err).Msg("Cannot stop orphaned workload")
				continue
			}
			if err := conn.Stop(ctx, rec.Workload, rec.Handle); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop orphaned workload")
				continue
			}
			logger.Info().Str("handle", rec.Handle.ID).Msg("Stopped orphaned workload")
		}

		if d.journal != nil {
			if err := d.journal.DeleteRecord(ctx, rec.Workload); err != nil {
				logger.Error().Err(err).Msg("Failed to delete journal record")
			}
		}
	}
}

func (d *Dispatcher) publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	ctx := d.runContext()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.events.Publish(ctx, event); err != nil {
		d.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish event")
	}
}

// States returns the latest execution state of every known workload.
func (d *Dispatcher) States() []ExecutionState {
	return d.states.List()
}

// State returns the latest execution state of one workload.
func (d *Dispatcher) State(name string) (ExecutionState, bool) {
	return d.states.Get(name)
}

// Snapshot returns the current desired state.
func (d *Dispatcher) Snapshot() *Snapshot {
	return d.store.Snapshot()
}

// Graph returns the current dependency graph.
func (d *Dispatcher) Graph() *DependencyGraph {
	return d.graph.Load()
}

// Forwarder returns the upstream forwarder, or nil without an upstream.
func (d *Dispatcher) Forwarder() *Forwarder {
	return d.forwarder
}

// StateCounts returns how many known workloads are in each state.
func (d *Dispatcher) StateCounts() map[WorkloadState]int {
	return d.states.CountByState()
}
