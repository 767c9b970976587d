// Package policy admits or rejects desired-state batches with Open Policy
// Agent rego policies.
//
// Every policy exposes a `deny` set. Entries are either a message string
// or an object:
//
//	package driftwood.custom.owner
//
//	import rego.v1
//
//	deny contains violation if {
//	    some name in input.changed
//	    not input.workloads[name].tags.owner
//	    violation := {"message": sprintf("%s has no owner tag", [name]), "workload": name}
//	}
//
// The input document holds the desired state the batch would produce
// (workloads), the state before it (current), the names the batch adds or
// changes (changed) and the names it removes (removed), plus the agent
// name and the request.
//
// Violations with severity error or critical reject the batch with an
// engine.ErrCodePolicy configuration error naming the offending workloads.
// Lower severities are logged. Policies loaded from .rego files default to
// severity error; a "# severity: warning" line in the leading comment block
// overrides it.
//
// A few built-in policies are always loaded unless the engine is created
// WithoutBuiltins. Engine.Watch reloads file policies on change; a set
// that fails to compile leaves the previous one in effect.
package policy
