// Package runtimes implements the runtime connectors that actually run
// Driftwood workloads, and the Registry the dispatcher resolves them from.
//
// Every connector decodes WorkloadSpec.RuntimeConfig as YAML (JSON is
// accepted too) into its own config struct, validated with struct tags:
//
//	process  {command: [..], env: {..}, workdir}
//	podman   {image, args, env, commandArgs}    (also registered as docker)
//	wasm     {module, args, env, memoryLimitPages}
//	ssh      {target, command, env}
//	sim      {runFor, exitCode, failStarts}
//
// Workload files are written below <dataDir>/workloads/<name>/files before
// the workload starts, except for ssh which uploads them to the target.
//
// The registry doubles as an engine.Admitter so a batch with an
// undecodable runtime config is rejected before anything starts.
package runtimes
