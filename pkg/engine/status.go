package engine

import (
	"fmt"
)

// WorkloadState is the observed lifecycle stage of one workload.
type WorkloadState string

const (
	// StatePending indicates the workload waits for its dependencies or a retry.
	StatePending WorkloadState = "Pending"

	// StateStarting indicates a start call to the runtime is in flight.
	StateStarting WorkloadState = "Starting"

	// StateRunning indicates the runtime reports the workload as running.
	StateRunning WorkloadState = "Running"

	// StateStopping indicates the workload is being stopped.
	StateStopping WorkloadState = "Stopping"

	// StateSucceeded indicates the workload exited successfully.
	StateSucceeded WorkloadState = "Succeeded"

	// StateFailed indicates the workload exited with a failure or was lost.
	StateFailed WorkloadState = "Failed"

	// StateRemoved indicates the workload was stopped and released. Terminal.
	StateRemoved WorkloadState = "Removed"
)

// AllStates lists every workload state in lifecycle order.
var AllStates = []WorkloadState{
	StatePending, StateStarting, StateRunning, StateStopping,
	StateSucceeded, StateFailed, StateRemoved,
}

// IsTerminal returns true if no further transition can follow.
func (s WorkloadState) IsTerminal() bool {
	return s == StateRemoved
}

// IsExited returns true if the workload ran and exited.
func (s WorkloadState) IsExited() bool {
	return s == StateSucceeded || s == StateFailed
}

// Validate checks if the workload state is valid.
func (s WorkloadState) Validate() error {
	switch s {
	case StatePending, StateStarting, StateRunning, StateStopping,
		StateSucceeded, StateFailed, StateRemoved:
		return nil
	default:
		return fmt.Errorf("invalid workload state: %s", s)
	}
}

// Common substatus texts. Dynamic substatus values (waiting for a named
// dependency, retry delays) are built by the state machine.
const (
	SubstatusInitial        = "initial"
	SubstatusWaitingToStart = "waiting to start"
	SubstatusStarting       = "starting"
	SubstatusOK             = "ok"
	SubstatusResumed        = "resumed"
	SubstatusWaitingToStop  = "waiting to stop"
	SubstatusStopping       = "stopping"
	SubstatusUpdating       = "updating"
	SubstatusLost           = "lost"
	SubstatusRemoved        = "removed"
)

// RestartPolicy decides whether an exited workload is started again.
type RestartPolicy string

const (
	// RestartNever never restarts an exited workload.
	RestartNever RestartPolicy = "NEVER"

	// RestartOnFailure restarts a workload only after it failed.
	RestartOnFailure RestartPolicy = "ON_FAILURE"

	// RestartAlways restarts a workload whenever it exits.
	RestartAlways RestartPolicy = "ALWAYS"
)

// ShouldRestart reports whether a workload that reached state must restart.
func (p RestartPolicy) ShouldRestart(state WorkloadState) bool {
	switch p {
	case RestartAlways:
		return state == StateSucceeded || state == StateFailed
	case RestartOnFailure:
		return state == StateFailed
	default:
		return false
	}
}

// Validate checks if the restart policy is valid. The empty value means NEVER.
func (p RestartPolicy) Validate() error {
	switch p {
	case "", RestartNever, RestartOnFailure, RestartAlways:
		return nil
	default:
		return fmt.Errorf("invalid restart policy: %s", p)
	}
}

// AddCondition is the state a dependency must reach before a workload may start.
type AddCondition string

const (
	AddCondRunning   AddCondition = "RUNNING"
	AddCondSucceeded AddCondition = "SUCCEEDED"
	AddCondFailed    AddCondition = "FAILED"
)

// Matches reports whether state satisfies the condition.
func (c AddCondition) Matches(state WorkloadState) bool {
	switch c {
	case AddCondRunning:
		return state == StateRunning
	case AddCondSucceeded:
		return state == StateSucceeded
	case AddCondFailed:
		return state == StateFailed
	default:
		return false
	}
}

// Validate checks if the add condition is valid.
func (c AddCondition) Validate() error {
	switch c {
	case AddCondRunning, AddCondSucceeded, AddCondFailed:
		return nil
	default:
		return fmt.Errorf("invalid add condition: %s", c)
	}
}

// DeleteCondition is the state a dependent must reach before the workload
// it references may be stopped.
type DeleteCondition string

const (
	DelCondRunning              DeleteCondition = "RUNNING"
	DelCondSucceeded            DeleteCondition = "SUCCEEDED"
	DelCondFailed               DeleteCondition = "FAILED"
	DelCondNotPendingNorRunning DeleteCondition = "NOT_PENDING_NOR_RUNNING"
)

// Matches reports whether the dependent's state satisfies the condition.
func (c DeleteCondition) Matches(state WorkloadState) bool {
	switch c {
	case DelCondRunning:
		return state == StateRunning
	case DelCondSucceeded:
		return state == StateSucceeded
	case DelCondFailed:
		return state == StateFailed
	case DelCondNotPendingNorRunning:
		return state != StatePending && state != StateStarting && state != StateRunning
	default:
		return false
	}
}

// Validate checks if the delete condition is valid.
func (c DeleteCondition) Validate() error {
	switch c {
	case DelCondRunning, DelCondSucceeded, DelCondFailed, DelCondNotPendingNorRunning:
		return nil
	default:
		return fmt.Errorf("invalid delete condition: %s", c)
	}
}

// ObservedState is what a runtime connector reports for a started workload.
type ObservedState string

const (
	ObservedRunning   ObservedState = "running"
	ObservedSucceeded ObservedState = "succeeded"
	ObservedFailed    ObservedState = "failed"
	ObservedVanished  ObservedState = "vanished"
)
