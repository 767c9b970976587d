// Package config loads driftwood manifests and agent configuration.
//
// # Manifests
//
// A manifest is the desired state of every agent: a map of workloads keyed
// by name, each assigned to an agent. Three source formats are accepted
// and all of them end up as engine.WorkloadSpec values:
//
//   - YAML or JSON files (.yaml, .yml, .json)
//   - CUE files or a directory holding a CUE package (.cue)
//   - Starlark scripts (.star) that define a `workloads` global
//
// CUE sources are unified with the built-in #Manifest schema before they
// are decoded, so typos and bad conditions are reported with the position
// of the offending value:
//
//	_podman: {runtime: "podman", restartPolicy: "ALWAYS"}
//
//	workloads: {
//	    db: _podman & {
//	        agent: "agent_A"
//	        runtimeConfig: image: "postgres:16"
//	    }
//	    web: {
//	        agent: "agent_A"
//	        runtime: "process"
//	        runtimeConfig: command: ["nginx", "-g", "daemon off;"]
//	        dependencies: db: "RUNNING"
//	    }
//	}
//
// A runtimeConfig given as a mapping is rendered to YAML, which is the form
// runtime connectors parse.
//
// Starlark scripts see the agent name as `agent`, plus `struct`, `json`
// and a `to_yaml` builtin. Evaluation is bounded by a timeout and print is
// discarded.
//
// # Watching
//
// ManifestWatcher submits the manifest as a Replace batch and resubmits it
// whenever the file changes. A manifest that fails to load leaves the
// previous desired state in place.
//
// # Agent configuration
//
// LoadAgentConfig reads the agent's YAML configuration over
// DefaultAgentConfig and validates it with go-playground/validator.
// Unknown keys are rejected.
package config
