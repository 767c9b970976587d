package engine

import (
	"fmt"
	"sort"
	"strings"
)

// StateReader gives read access to the latest execution states.
type StateReader interface {
	Get(name string) (ExecutionState, bool)
}

// DependencyGraph is the dependency view derived from one SpecStore snapshot.
// Nodes are workload names; edges point from a dependent to its dependency.
type DependencyGraph struct {
	// snapshot is the view the graph was built from
	snapshot *Snapshot

	// specs maps desired and retiring workload names to their specs
	specs map[string]*WorkloadSpec

	// adjacencyList maps each workload to every workload it references
	adjacencyList map[string][]string

	// startDependents maps a workload to the workloads whose start waits on it
	startDependents map[string][]string

	// stopDependents maps a workload to the workloads whose delete
	// conditions must hold before it may stop
	stopDependents map[string][]string

	// levels groups workloads by start order
	levels [][]string
}

// BuildDependencyGraph derives the graph from a snapshot and rejects cycles.
func BuildDependencyGraph(snapshot *Snapshot) (*DependencyGraph, error) {
	g := &DependencyGraph{
		snapshot:        snapshot,
		specs:           snapshot.Specs(),
		adjacencyList:   make(map[string][]string),
		startDependents: make(map[string][]string),
		stopDependents:  make(map[string][]string),
	}

	g.initialize()

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewCycleError(cycle)
	}

	g.computeLevels()
	return g, nil
}

// DetectCycles checks a set of specs for circular dependencies over the
// union of add and delete dependencies.
func DetectCycles(specs map[string]*WorkloadSpec) error {
	g := &DependencyGraph{
		specs:           specs,
		adjacencyList:   make(map[string][]string),
		startDependents: make(map[string][]string),
		stopDependents:  make(map[string][]string),
	}
	g.initialize()

	if cycle := g.findCycle(); cycle != nil {
		return NewCycleError(cycle)
	}
	return nil
}

// initialize builds adjacency and reverse indexes in name order.
func (g *DependencyGraph) initialize() {
	for _, name := range sortedKeys(g.specs) {
		spec := g.specs[name]

		refs := make(map[string]bool)
		for _, dep := range sortedKeys(spec.AddDependencies) {
			refs[dep] = true
			g.startDependents[dep] = append(g.startDependents[dep], name)
		}
		for _, dep := range sortedKeys(spec.DeleteDependencies) {
			refs[dep] = true
			g.stopDependents[dep] = append(g.stopDependents[dep], name)
		}
		g.adjacencyList[name] = sortedKeys(refs)
	}
}

// findCycle runs a depth-first search and returns the first cycle found,
// or nil when the graph is acyclic.
func (g *DependencyGraph) findCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range sortedKeys(g.specs) {
		if !visited[name] {
			if cycle := g.findCycleUtil(name, visited, recStack, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// findCycleUtil visits nodeID and its references. A reference to a node
// still on the recursion stack closes a cycle.
func (g *DependencyGraph) findCycleUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dep := range g.adjacencyList[nodeID] {
		if _, known := g.specs[dep]; !known {
			continue
		}
		if !visited[dep] {
			if cycle := g.findCycleUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, id := range path {
				if id == dep {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns start levels with Kahn's algorithm over add
// dependencies between known workloads.
func (g *DependencyGraph) computeLevels() {
	inDegree := make(map[string]int, len(g.specs))
	for name, spec := range g.specs {
		inDegree[name] = 0
		for dep := range spec.AddDependencies {
			if _, known := g.specs[dep]; known {
				inDegree[name]++
			}
		}
	}

	var current []string
	for name, degree := range inDegree {
		if degree == 0 {
			current = append(current, name)
		}
	}

	g.levels = nil
	for len(current) > 0 {
		sort.Strings(current)
		g.levels = append(g.levels, current)

		var next []string
		for _, name := range current {
			for _, dependent := range g.startDependents[name] {
				if _, known := g.specs[dependent]; !known {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
}

// Snapshot returns the snapshot the graph was built from.
func (g *DependencyGraph) Snapshot() *Snapshot {
	return g.snapshot
}

// Levels returns workload names grouped by start order. Workloads in one
// level have no add dependencies on each other.
func (g *DependencyGraph) Levels() [][]string {
	return g.levels
}

// Dependents returns the workloads whose start or stop gating refers to name.
func (g *DependencyGraph) Dependents(name string) []string {
	seen := make(map[string]bool)
	for _, d := range g.startDependents[name] {
		seen[d] = true
	}
	for _, d := range g.stopDependents[name] {
		seen[d] = true
	}
	return sortedKeys(seen)
}

// CanStart reports whether every add dependency of name is satisfied.
// The second result lists the dependencies still blocking.
func (g *DependencyGraph) CanStart(name string, states StateReader) (bool, []string) {
	spec, ok := g.specs[name]
	if !ok {
		return false, nil
	}

	var blockers []string
	for _, dep := range sortedKeys(spec.AddDependencies) {
		st, known := states.Get(dep)
		if !known || !spec.AddDependencies[dep].Matches(st.State) {
			blockers = append(blockers, dep)
		}
	}
	return len(blockers) == 0, blockers
}

// CanStop reports whether every workload with a delete condition on name
// is in a state that allows name to stop. Dependents that are unknown or
// never started do not block.
func (g *DependencyGraph) CanStop(name string, states StateReader) (bool, []string) {
	var blockers []string
	for _, dependent := range g.stopDependents[name] {
		spec, ok := g.specs[dependent]
		if !ok {
			continue
		}
		st, known := states.Get(dependent)
		if !known || neverStarted(st) {
			continue
		}
		if !spec.DeleteDependencies[name].Matches(st.State) {
			blockers = append(blockers, dependent)
		}
	}
	return len(blockers) == 0, blockers
}

// neverStarted reports whether a state belongs to a workload that has not
// attempted a start since it was created or restarted.
func neverStarted(st ExecutionState) bool {
	if st.State != StatePending {
		return false
	}
	return st.Substatus == SubstatusInitial ||
		st.Substatus == SubstatusWaitingToStart ||
		strings.HasPrefix(st.Substatus, substatusWaitingFor)
}

// ToDOT generates a DOT representation of the graph for visualization.
// Add dependencies are solid edges, delete dependencies dashed.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Workloads {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			spec := g.specs[name]
			_, retiring, _ := g.snapshot.Lookup(name)
			color := "lightblue"
			if retiring {
				color = "lightcoral"
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, name, spec.Runtime, color))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range sortedKeys(g.specs) {
		spec := g.specs[name]
		for _, dep := range sortedKeys(spec.AddDependencies) {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\", style=solid];\n",
				dep, name, spec.AddDependencies[dep]))
		}
		for _, dep := range sortedKeys(spec.DeleteDependencies) {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"stop after %s\", style=dashed, color=gray];\n",
				name, dep, spec.DeleteDependencies[dep]))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
