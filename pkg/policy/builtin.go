package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		settledDependencyPolicy(),
		reservedMountPointsPolicy(),
		controlInterfaceWildcardPolicy(),
	}
}

// settledDependencyPolicy flags SUCCEEDED/FAILED dependencies on workloads
// that restart ALWAYS. Such a dependency never stays satisfied long enough
// to be observed reliably.
func settledDependencyPolicy() Policy {
	return Policy{
		Name:        "settled-dependency",
		Description: "Warns about SUCCEEDED or FAILED dependencies on workloads with restartPolicy ALWAYS",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"dependencies"},
		Rego: `package driftwood.policies.dependencies

import rego.v1

deny contains violation if {
	some name in input.changed
	some dep, cond in input.workloads[name].dependencies
	cond in {"SUCCEEDED", "FAILED"}
	input.workloads[dep].restartPolicy == "ALWAYS"
	violation := {
		"message": sprintf("%s waits for %s to be %s but %s restarts ALWAYS", [name, dep, cond, dep]),
		"workload": name,
	}
}
`,
	}
}

// reservedMountPointsPolicy rejects workload files mounted over kernel
// pseudo filesystems.
func reservedMountPointsPolicy() Policy {
	return Policy{
		Name:        "reserved-mount-points",
		Description: "Rejects workload files mounted under /proc, /sys or /dev",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"files", "security"},
		Rego: `package driftwood.policies.files

import rego.v1

reserved := {"/proc", "/sys", "/dev"}

deny contains violation if {
	some name in input.changed
	some file in input.workloads[name].files
	some prefix in reserved
	under(file.mountPoint, prefix)
	violation := {
		"message": sprintf("%s mounts %s under reserved path %s", [name, file.mountPoint, prefix]),
		"workload": name,
	}
}

under(path, prefix) if path == prefix

under(path, prefix) if startswith(path, concat("", [prefix, "/"]))
`,
	}
}

// controlInterfaceWildcardPolicy flags control interface write access to
// every workload.
func controlInterfaceWildcardPolicy() Policy {
	return Policy{
		Name:        "control-interface-wildcard",
		Description: "Warns when a workload may write the state of every workload through the control interface",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"security"},
		Rego: `package driftwood.policies.access

import rego.v1

deny contains violation if {
	some name in input.changed
	some rule in input.workloads[name].controlInterfaceAccess.allowRules
	rule.operation in {"Write", "ReadWrite"}
	"*" in rule.filterMasks
	violation := {
		"message": sprintf("%s is allowed to write every workload", [name]),
		"workload": name,
	}
}
`,
	}
}
