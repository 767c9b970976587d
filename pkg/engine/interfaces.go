package engine

import (
	"context"
	"time"
)

// RuntimeConnector abstracts the backend that actually runs workloads.
// Every error it returns is treated as transient by the engine.
type RuntimeConnector interface {
	// Name returns the runtime identifier matched against WorkloadSpec.Runtime.
	Name() string

	// Start launches the workload and returns a handle to it.
	Start(ctx context.Context, spec *WorkloadSpec) (Handle, error)

	// Stop stops the workload and releases its runtime resources.
	Stop(ctx context.Context, name string, handle Handle) error

	// Poll reports the current state of a started workload.
	Poll(ctx context.Context, name string, handle Handle) (ObservedState, error)
}

// Resumer is implemented by connectors that can adopt workloads started
// by a previous agent process.
type Resumer interface {
	// Resume validates a persisted handle and returns the live handle.
	Resume(ctx context.Context, name string, handle Handle) (Handle, error)
}

// ConnectorResolver selects a connector by runtime name.
type ConnectorResolver interface {
	Lookup(runtime string) (RuntimeConnector, error)
}

// Upstream delivers reports to the coordinator.
type Upstream interface {
	// ReportExecutionState sends one execution state report.
	ReportExecutionState(ctx context.Context, state ExecutionState) error

	// ReportBatchResult acknowledges or rejects a desired-state batch.
	ReportBatchResult(ctx context.Context, result BatchResult) error
}

// Admitter can veto a batch before it is applied.
type Admitter interface {
	Admit(ctx context.Context, batch *Batch, current *Snapshot) error
}

// JournalRecord is the persisted view of one workload.
type JournalRecord struct {
	Workload    string
	State       WorkloadState
	Substatus   string
	Generation  uint64
	Handle      Handle
	Fingerprint string
	UpdatedAt   time.Time
}

// StateJournal persists execution states and runtime handles so that a
// restarted agent keeps generations monotonic and can resume workloads.
type StateJournal interface {
	// RecordState stores the latest state of a workload and appends it to its history.
	RecordState(ctx context.Context, state ExecutionState) error

	// RecordHandle stores the runtime handle of a started workload.
	RecordHandle(ctx context.Context, workload string, handle Handle, fingerprint string) error

	// ClearHandle forgets the runtime handle of a workload.
	ClearHandle(ctx context.Context, workload string) error

	// RecordBatch stores the outcome of a desired-state batch.
	RecordBatch(ctx context.Context, result BatchResult) error

	// LoadRecords returns every persisted workload.
	LoadRecords(ctx context.Context) ([]JournalRecord, error)

	// DeleteRecord removes a workload that reached Removed.
	DeleteRecord(ctx context.Context, workload string) error
}

// EventPublisher publishes engine events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordTransition(from, to WorkloadState)
	RecordRuntimeCall(runtime, operation string, duration time.Duration, err error)
	RecordRetryScheduled(operation string, attempt int, delay time.Duration)
	RecordBatch(accepted bool, code string)
	SetForwarderQueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(WorkloadState, WorkloadState) {}
func (noopMetrics) RecordRuntimeCall(string, string, time.Duration, error) {}
func (noopMetrics) RecordRetryScheduled(string, int, time.Duration) {}
func (noopMetrics) RecordBatch(bool, string) {}
func (noopMetrics) SetForwarderQueueDepth(int) {}

type noopEvents struct{}

func (noopEvents) Publish(context.Context, *Event) error { return nil }
