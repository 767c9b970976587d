package policy

import (
	"sort"
	"time"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block a batch.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the batch.
	SeverityError Severity = "error"

	// SeverityCritical rejects the batch.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a batch.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. Every policy exposes
// a `deny` set in its package; each element is either a message string or
// an object with message, severity and workload keys.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity applies to deny entries that carry no severity of their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the agent. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// Violation is a single deny entry.
type Violation struct {
	Policy   string   `json:"policy"`
	Workload string   `json:"workload,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against a batch.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations and evaluation failures.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluatedPolicies"`
	EvaluatedAt       time.Time     `json:"evaluatedAt"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Agent is the name of the agent applying the batch.
	Agent string `json:"agent,omitempty"`

	Request Request `json:"request"`

	// Workloads is the desired state the batch would produce, keyed by name.
	Workloads map[string]*engine.WorkloadSpec `json:"workloads"`

	// Changed lists the workloads the batch adds or updates.
	Changed []string `json:"changed"`

	// Removed lists the workloads the batch would delete.
	Removed []string `json:"removed"`

	// Current is the desired state before the batch.
	Current map[string]*engine.WorkloadSpec `json:"current"`

	Timestamp time.Time `json:"timestamp"`
}

// Request describes the batch itself.
type Request struct {
	ID      string `json:"id"`
	Replace bool   `json:"replace"`
}

// NewInput builds the policy input for applying batch on top of current.
func NewInput(agent string, batch *engine.Batch, current *engine.Snapshot) *Input {
	in := &Input{
		Agent:     agent,
		Request:   Request{ID: batch.RequestID, Replace: batch.Replace},
		Workloads: make(map[string]*engine.WorkloadSpec),
		Current:   make(map[string]*engine.WorkloadSpec),
		Changed:   []string{},
		Removed:   []string{},
		Timestamp: time.Now().UTC(),
	}

	if current != nil {
		for _, name := range current.Names() {
			spec, _ := current.Get(name)
			in.Current[name] = spec
		}
	}
	if !batch.Replace {
		for name, spec := range in.Current {
			in.Workloads[name] = spec
		}
	}

	for i := range batch.Workloads {
		spec := batch.Workloads[i].Clone()
		in.Workloads[spec.Name] = spec
		in.Changed = append(in.Changed, spec.Name)
	}
	for _, name := range batch.Tombstones {
		delete(in.Workloads, name)
	}

	for name := range in.Current {
		if _, ok := in.Workloads[name]; !ok {
			in.Removed = append(in.Removed, name)
		}
	}
	sort.Strings(in.Changed)
	sort.Strings(in.Removed)
	return in
}
