package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"time"
)

// WorkloadSpec describes one workload assigned to this agent.
// A spec is never mutated after it has been applied to the SpecStore.
type WorkloadSpec struct {
	// Name is unique within the agent's assignment.
	Name string `json:"name" yaml:"name" validate:"required,max=63,workloadname"`

	// Agent is the agent the workload is assigned to.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`

	// Runtime selects the runtime connector.
	Runtime string `json:"runtime" yaml:"runtime" validate:"required"`

	// RuntimeConfig is opaque to the engine and interpreted by the connector.
	RuntimeConfig string `json:"runtimeConfig,omitempty" yaml:"runtimeConfig,omitempty"`

	// RestartPolicy decides what happens after the workload exits.
	RestartPolicy RestartPolicy `json:"restartPolicy,omitempty" yaml:"restartPolicy,omitempty"`

	// AddDependencies maps workload names to the state they must reach
	// before this workload may start.
	AddDependencies map[string]AddCondition `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// DeleteDependencies maps workload names to the state this workload
	// must be in before the named workload may be stopped.
	DeleteDependencies map[string]DeleteCondition `json:"deleteDependencies,omitempty" yaml:"deleteDependencies,omitempty"`

	// Tags are free-form labels.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// ControlInterfaceAccess holds access rules for the workload control
	// interface. The engine carries them without interpreting them.
	ControlInterfaceAccess *AccessRights `json:"controlInterfaceAccess,omitempty" yaml:"controlInterfaceAccess,omitempty"`

	// Files are materialised by the connector before the workload starts.
	Files []WorkloadFile `json:"files,omitempty" yaml:"files,omitempty" validate:"dive"`
}

// WorkloadFile is a file made available to a workload.
type WorkloadFile struct {
	MountPoint string `json:"mountPoint" yaml:"mountPoint" validate:"required,startswith=/"`
	Data       string `json:"data,omitempty" yaml:"data,omitempty" validate:"required_without=BinaryData,excluded_with=BinaryData"`
	BinaryData string `json:"binaryData,omitempty" yaml:"binaryData,omitempty" validate:"omitempty,base64"`
}

// AccessRights lists allow and deny rules of the control interface.
type AccessRights struct {
	AllowRules []AccessRule `json:"allowRules,omitempty" yaml:"allowRules,omitempty"`
	DenyRules  []AccessRule `json:"denyRules,omitempty" yaml:"denyRules,omitempty"`
}

// AccessRule grants or denies an operation on state paths.
type AccessRule struct {
	Type        string   `json:"type" yaml:"type"`
	Operation   string   `json:"operation,omitempty" yaml:"operation,omitempty"`
	FilterMasks []string `json:"filterMasks,omitempty" yaml:"filterMasks,omitempty"`
}

// Fingerprint hashes the runtime relevant fields of the spec.
// Two specs with the same fingerprint need no restart when swapped.
func (s *WorkloadSpec) Fingerprint() string {
	data, _ := json.Marshal(struct {
		Runtime       string         `json:"runtime"`
		RuntimeConfig string         `json:"runtimeConfig"`
		Files         []WorkloadFile `json:"files"`
	}{s.Runtime, s.RuntimeConfig, s.Files})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two specs are identical.
func (s *WorkloadSpec) Equal(other *WorkloadSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s.normalized(), other.normalized())
}

// DependenciesEqual reports whether both specs declare the same dependencies.
func (s *WorkloadSpec) DependenciesEqual(other *WorkloadSpec) bool {
	return maps.Equal(s.AddDependencies, other.AddDependencies) &&
		maps.Equal(s.DeleteDependencies, other.DeleteDependencies)
}

// EffectiveRestartPolicy returns the restart policy with the default applied.
func (s *WorkloadSpec) EffectiveRestartPolicy() RestartPolicy {
	if s.RestartPolicy == "" {
		return RestartNever
	}
	return s.RestartPolicy
}

// Clone returns a deep copy of the spec.
func (s *WorkloadSpec) Clone() *WorkloadSpec {
	c := *s
	c.AddDependencies = maps.Clone(s.AddDependencies)
	c.DeleteDependencies = maps.Clone(s.DeleteDependencies)
	c.Tags = maps.Clone(s.Tags)
	c.Files = slices.Clone(s.Files)
	if s.ControlInterfaceAccess != nil {
		access := *s.ControlInterfaceAccess
		access.AllowRules = slices.Clone(access.AllowRules)
		access.DenyRules = slices.Clone(access.DenyRules)
		c.ControlInterfaceAccess = &access
	}
	return &c
}

// normalized treats nil and empty collections alike for comparisons.
func (s *WorkloadSpec) normalized() WorkloadSpec {
	c := *s.Clone()
	if len(c.AddDependencies) == 0 {
		c.AddDependencies = nil
	}
	if len(c.DeleteDependencies) == 0 {
		c.DeleteDependencies = nil
	}
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	if len(c.Files) == 0 {
		c.Files = nil
	}
	c.RestartPolicy = s.EffectiveRestartPolicy()
	return c
}

// Batch is one desired-state update received from the coordinator.
type Batch struct {
	// RequestID correlates the batch with its result. It does not order batches.
	RequestID string `json:"requestId"`

	// Workloads are added or modified specs.
	Workloads []WorkloadSpec `json:"workloads,omitempty"`

	// Tombstones name workloads to delete.
	Tombstones []string `json:"tombstones,omitempty"`

	// Replace marks the batch as the complete desired state: every
	// workload not listed is deleted.
	Replace bool `json:"replace,omitempty"`
}

// BatchResult reports whether a batch was accepted.
type BatchResult struct {
	RequestID string    `json:"requestId"`
	Accepted  bool      `json:"accepted"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Workloads []string  `json:"workloads,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionState is one report of a workload's lifecycle stage.
type ExecutionState struct {
	Workload   string        `json:"workload"`
	Agent      string        `json:"agent,omitempty"`
	State      WorkloadState `json:"state"`
	Substatus  string        `json:"substatus,omitempty"`
	Generation uint64        `json:"generation"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Handle identifies a started workload inside its runtime.
type Handle struct {
	Runtime string `json:"runtime"`
	ID      string `json:"id"`
}

// IsZero reports whether the handle refers to nothing.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// Event describes something that happened in the engine.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Workload  string                 `json:"workload,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventType represents the type of engine event.
type EventType string

const (
	EventWorkloadStateChanged EventType = "workload.state_changed"
	EventRetryScheduled       EventType = "workload.retry_scheduled"
	EventBatchAccepted        EventType = "batch.accepted"
	EventBatchRejected        EventType = "batch.rejected"
)
