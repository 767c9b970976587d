package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const substatusWaitingFor = "waiting for "

// retryPurpose tells what a pending retry ticket will do when it fires.
type retryPurpose int

const (
	retryStart retryPurpose = iota
	retryStop
)

// machine drives the lifecycle of one workload. All fields below the
// input block are owned by the run goroutine.
type machine struct {
	name   string
	d      *Dispatcher
	logger zerolog.Logger

	wake chan struct{}
	done chan struct{}

	// inputs written by the dispatcher and retry timers
	mu       sync.Mutex
	desired  *WorkloadSpec
	removing bool
	fired    uint64
	exited   bool

	applied       *WorkloadSpec
	state         WorkloadState
	substatus     string
	generation    uint64
	handle        Handle
	ticket        *RetryTicket
	ticketPurpose retryPurpose
	updatePending bool

	// resume is a journaled handle that may still be running
	resume *JournalRecord
}

func newMachine(d *Dispatcher, spec *WorkloadSpec, generation uint64, resume *JournalRecord) *machine {
	return &machine{
		name:       spec.Name,
		d:          d,
		logger:     d.logger.With().Str("workload", spec.Name).Logger(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		desired:    spec,
		applied:    spec,
		generation: generation,
		resume:     resume,
	}
}

// poke wakes the run loop without blocking.
func (m *machine) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// update hands a new spec to the machine. It returns false if the machine
// already finished and a new one must be created.
func (m *machine) update(spec *WorkloadSpec) bool {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return false
	}
	m.desired = spec
	m.removing = false
	m.mu.Unlock()
	m.poke()
	return true
}

// remove requests the stop and removal of the workload.
func (m *machine) remove() bool {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return false
	}
	m.removing = true
	m.mu.Unlock()
	m.poke()
	return true
}

// fire is called by retry timers.
func (m *machine) fire(token uint64) {
	m.mu.Lock()
	m.fired = token
	m.mu.Unlock()
	m.poke()
}

func (m *machine) inputs() (*WorkloadSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fired != 0 && m.ticket != nil && m.fired == m.ticket.Token {
		m.ticket = nil
	}
	m.fired = 0
	return m.desired, m.removing
}

func (m *machine) run(ctx context.Context) {
	defer close(m.done)

	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	m.transition(StatePending, SubstatusInitial)
	m.tryResume(ctx)

	for {
		for ctx.Err() == nil && m.advance(ctx) {
		}
		if m.state == StateRemoved {
			return
		}

		var pollC <-chan time.Time
		if m.state == StateRunning && !m.isRemoving() {
			if ticker == nil {
				ticker = time.NewTicker(m.d.pollInterval)
			}
			pollC = ticker.C
		} else if ticker != nil {
			ticker.Stop()
			ticker = nil
		}

		select {
		case <-ctx.Done():
			m.cancelRetry()
			return
		case <-m.wake:
		case <-pollC:
			m.poll(ctx)
		}
	}
}

func (m *machine) isRemoving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removing
}

// advance performs at most one step of the lifecycle and reports whether
// the machine should be evaluated again right away.
func (m *machine) advance(ctx context.Context) bool {
	desired, removing := m.inputs()

	if removing || m.updatePending || m.state == StateStopping {
		return m.advanceStop(ctx, desired, removing)
	}

	if desired != m.applied {
		change := SpecChange{Old: m.applied, New: desired}
		if change.RuntimeChanged() && !m.handle.IsZero() {
			m.logger.Info().Msg("Runtime configuration changed, restarting workload")
			m.updatePending = true
			return true
		}
		m.applied = desired
		return true
	}

	if strings.HasPrefix(m.substatus, SubstatusWaitingToStop) {
		m.setSubstatus(defaultSubstatus(m.state))
	}

	switch m.state {
	case StatePending:
		if m.ticket != nil {
			return false
		}
		ok, blockers := m.d.gateStart(m)
		if !ok {
			m.setSubstatus(substatusWaitingFor + strings.Join(blockers, ", "))
			return false
		}
		return m.start(ctx)

	case StateSucceeded, StateFailed:
		if m.ticket != nil || !m.applied.EffectiveRestartPolicy().ShouldRestart(m.state) {
			return false
		}
		if !m.releaseExited(ctx) {
			return false
		}
		ticket, attempt, delay := m.d.retry.Schedule(m.name, m.fire)
		m.setTicket(ticket, retryStart)
		m.d.recordRetry("restart", m.name, attempt, delay)
		m.transition(StatePending, fmt.Sprintf("restarting in %s", delay.Round(time.Millisecond)))
		return false
	}

	return false
}

// advanceStop runs the stop sequence for a removal or a runtime change.
func (m *machine) advanceStop(ctx context.Context, desired *WorkloadSpec, removing bool) bool {
	if m.ticket != nil && m.ticketPurpose != retryStop {
		m.cancelRetry()
	}

	if m.state != StateStopping {
		ok, blockers := m.d.gateStop(m)
		if !ok {
			if m.substatus != SubstatusWaitingToStop {
				m.logger.Debug().Strs("blocked_by", blockers).Msg("Waiting for dependents before stopping")
			}
			m.setSubstatus(SubstatusWaitingToStop)
			return false
		}
		sub := SubstatusStopping
		if !removing {
			sub = SubstatusUpdating
		}
		m.transition(StateStopping, sub)
	}

	if m.ticket != nil {
		return false
	}

	if !m.handle.IsZero() {
		if err := m.callStop(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			ticket, attempt, delay := m.d.retry.Schedule(m.name, m.fire)
			m.setTicket(ticket, retryStop)
			m.d.recordRetry("stop", m.name, attempt, delay)
			m.setSubstatus(fmt.Sprintf("stop failed (attempt %d), retrying in %s", attempt, delay.Round(time.Millisecond)))
			return false
		}
		m.clearHandle(ctx)
	}
	m.d.retry.Reset(m.name)
	m.updatePending = false

	if removing {
		m.transition(StateRemoved, SubstatusRemoved)
		if m.d.retire(m) {
			return false
		}
		desired, _ = m.inputs()
	}

	m.applied = desired
	m.transition(StatePending, SubstatusWaitingToStart)
	return true
}

// start invokes the runtime connector once.
func (m *machine) start(ctx context.Context) bool {
	m.transition(StateStarting, SubstatusStarting)

	handle, err := m.callStart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		ticket, attempt, delay := m.d.retry.Schedule(m.name, m.fire)
		m.setTicket(ticket, retryStart)
		m.d.recordRetry("start", m.name, attempt, delay)
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Workload start failed")
		m.transition(StatePending, fmt.Sprintf("starting failed (attempt %d), retrying in %s", attempt, delay.Round(time.Millisecond)))
		return false
	}

	m.handle = handle
	m.d.journalHandle(ctx, m.name, handle, m.applied.Fingerprint())
	m.d.retry.Reset(m.name)
	m.transition(StateRunning, SubstatusOK)
	return true
}

// tryResume adopts a workload left running by a previous agent process.
func (m *machine) tryResume(ctx context.Context) {
	rec := m.resume
	m.resume = nil
	if rec == nil || rec.Handle.IsZero() {
		return
	}

	conn, err := m.d.connectors.Lookup(rec.Handle.Runtime)
	if err != nil {
		return
	}

	discard := func(msg string) {
		m.logger.Info().Str("handle", rec.Handle.ID).Msg(msg)
		if err := conn.Stop(ctx, m.name, rec.Handle); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to stop workload from previous run")
		}
		m.d.clearJournalHandle(ctx, m.name)
	}

	if rec.Fingerprint != m.applied.Fingerprint() {
		discard("Stopping outdated workload from previous run")
		return
	}

	resumer, ok := conn.(Resumer)
	if !ok {
		discard("Runtime cannot resume workloads, stopping previous instance")
		return
	}
	handle, err := resumer.Resume(ctx, m.name, rec.Handle)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Workload not resumable, starting fresh")
		m.d.clearJournalHandle(ctx, m.name)
		return
	}

	m.handle = handle
	m.transition(StateRunning, SubstatusResumed)
	m.logger.Info().Str("handle", handle.ID).Msg("Resumed workload from previous run")
}

// poll asks the runtime for the current state of a running workload.
func (m *machine) poll(ctx context.Context) {
	if m.state != StateRunning || m.handle.IsZero() {
		return
	}

	conn, err := m.d.connectors.Lookup(m.handle.Runtime)
	if err != nil {
		return
	}

	started := time.Now()
	observed, err := conn.Poll(ctx, m.name, m.handle)
	m.d.metrics.RecordRuntimeCall(m.handle.Runtime, "poll", time.Since(started), err)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Polling workload failed")
		return
	}

	switch observed {
	case ObservedRunning:
	case ObservedSucceeded:
		m.transition(StateSucceeded, SubstatusOK)
	case ObservedFailed:
		m.transition(StateFailed, "exited with failure")
	default:
		m.transition(StateFailed, SubstatusLost)
	}
}

func (m *machine) callStart(ctx context.Context) (Handle, error) {
	spec := m.applied
	ctx, span := m.d.tracer.Start(ctx, "runtime.start",
		trace.WithAttributes(
			attribute.String("workload.name", spec.Name),
			attribute.String("workload.runtime", spec.Runtime),
		))
	defer span.End()

	conn, err := m.d.connectors.Lookup(spec.Runtime)
	if err != nil {
		err = NewRuntimeError(spec.Name, "start", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, err
	}

	started := time.Now()
	handle, err := conn.Start(ctx, spec)
	m.d.metrics.RecordRuntimeCall(spec.Runtime, "start", time.Since(started), err)
	if err != nil {
		err = NewRuntimeError(spec.Name, "start", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, err
	}
	if handle.Runtime == "" {
		handle.Runtime = spec.Runtime
	}

	span.SetAttributes(attribute.String("workload.handle", handle.ID))
	span.SetStatus(codes.Ok, "")
	return handle, nil
}

func (m *machine) callStop(ctx context.Context) error {
	ctx, span := m.d.tracer.Start(ctx, "runtime.stop",
		trace.WithAttributes(
			attribute.String("workload.name", m.name),
			attribute.String("workload.runtime", m.handle.Runtime),
			attribute.String("workload.handle", m.handle.ID),
		))
	defer span.End()

	conn, err := m.d.connectors.Lookup(m.handle.Runtime)
	if err != nil {
		err = NewRuntimeError(m.name, "stop", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	started := time.Now()
	err = conn.Stop(ctx, m.name, m.handle)
	m.d.metrics.RecordRuntimeCall(m.handle.Runtime, "stop", time.Since(started), err)
	if err != nil {
		err = NewRuntimeError(m.name, "stop", err)
		m.logger.Warn().Err(err).Msg("Workload stop failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// releaseExited stops an exited instance so the connector can free what it
// holds for it. A failed release is retried like a failed stop.
func (m *machine) releaseExited(ctx context.Context) bool {
	if m.handle.IsZero() {
		return true
	}
	if err := m.callStop(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		ticket, attempt, delay := m.d.retry.Schedule(m.name, m.fire)
		m.setTicket(ticket, retryStop)
		m.d.recordRetry("stop", m.name, attempt, delay)
		m.setSubstatus(fmt.Sprintf("release failed (attempt %d), retrying in %s", attempt, delay.Round(time.Millisecond)))
		return false
	}
	m.clearHandle(ctx)
	return true
}

func (m *machine) clearHandle(ctx context.Context) {
	if m.handle.IsZero() {
		return
	}
	m.handle = Handle{}
	m.d.clearJournalHandle(ctx, m.name)
}

func (m *machine) setTicket(t *RetryTicket, purpose retryPurpose) {
	m.mu.Lock()
	m.ticket = t
	m.mu.Unlock()
	m.ticketPurpose = purpose
}

func (m *machine) cancelRetry() {
	m.mu.Lock()
	t := m.ticket
	m.ticket = nil
	m.mu.Unlock()
	t.Cancel()
}

// setSubstatus reports a substatus change without changing state.
func (m *machine) setSubstatus(sub string) {
	if sub == m.substatus {
		return
	}
	m.transition(m.state, sub)
}

// transition records a new state and reports it with the next generation.
func (m *machine) transition(state WorkloadState, substatus string) {
	from := m.state
	m.state = state
	m.substatus = substatus
	m.generation++

	m.d.onMachineReport(m, from, ExecutionState{
		Workload:   m.name,
		Agent:      m.d.agent,
		State:      state,
		Substatus:  substatus,
		Generation: m.generation,
		Timestamp:  time.Now(),
	})
}

func defaultSubstatus(state WorkloadState) string {
	switch state {
	case StatePending:
		return SubstatusWaitingToStart
	case StateStopping:
		return SubstatusStopping
	case StateRemoved:
		return SubstatusRemoved
	case StateStarting:
		return SubstatusStarting
	default:
		return SubstatusOK
	}
}
