// Package engine provides the workload lifecycle engine run by every Driftwood agent.
//
// # Overview
//
// An agent receives desired-state batches from a coordinator and drives the
// workloads assigned to it towards that state. Workloads may depend on
// workloads hosted by other agents; the engine only starts a workload once
// its add dependencies are satisfied and only stops it once every workload
// holding a delete dependency on it allows that.
//
// The engine is made of five parts:
//
//  1. SpecStore - Versioned desired state, updated atomically per batch
//  2. DependencyGraph - Start and stop gating derived from one SpecStore snapshot
//  3. RetryController - Exponential backoff for failed runtime calls
//  4. machine - One goroutine per workload executing its lifecycle
//  5. Dispatcher - Applies batches, owns the machines and routes state changes
//
// # Workload Lifecycle
//
// Every workload moves through these states:
//
//	Pending -> Starting -> Running -> Succeeded | Failed
//	   ^          |           |
//	   +----------+           +-> Stopping -> Removed
//
// A failed start returns to Pending and is retried after a backoff delay.
// Exited workloads are restarted according to their RestartPolicy. Every
// reported ExecutionState carries a generation that increases by one per
// transition or substatus change; consumers drop reports whose generation
// is not newer than the last one they saw.
//
// # Runtime Connectors
//
// The engine never runs workloads itself. A RuntimeConnector starts, stops
// and polls workloads of one runtime:
//
//	type RuntimeConnector interface {
//	    Name() string
//	    Start(ctx context.Context, spec *WorkloadSpec) (Handle, error)
//	    Stop(ctx context.Context, name string, handle Handle) error
//	    Poll(ctx context.Context, name string, handle Handle) (ObservedState, error)
//	}
//
// Every connector error is transient. Connectors that implement Resumer
// let a restarted agent adopt workloads it started before.
//
// # Error Classification
//
// Batches that fail validation, introduce a dependency cycle, name an
// unknown runtime or are denied by policy are rejected as a whole:
//
//	if err := dispatcher.Apply(ctx, batch); IsConfigError(err) {
//	    // nothing changed; report ErrorWorkloads(err) upstream
//	}
//
// # Example Usage
//
//	d, err := NewDispatcher(DispatcherConfig{
//	    Agent:      "agent-a",
//	    Connectors: registry,
//	    Upstream:   client,
//	    Logger:     logger,
//	})
//	if err := d.Start(ctx); err != nil {
//	    return err
//	}
//	err = d.Apply(ctx, &Batch{Workloads: specs, Replace: true})
//
// # Thread Safety
//
// Dispatcher, SpecStore, StateTable and RetryController are safe for
// concurrent use. Snapshots and DependencyGraphs are immutable.
package engine
