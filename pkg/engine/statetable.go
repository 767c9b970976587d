package engine

import (
	"sort"
	"sync"
)

// StateTable caches the latest ExecutionState of every known workload,
// local or hosted by another agent. Reports are ordered by generation only.
type StateTable struct {
	mu     sync.RWMutex
	states map[string]ExecutionState
}

// NewStateTable creates an empty state table.
func NewStateTable() *StateTable {
	return &StateTable{states: make(map[string]ExecutionState)}
}

// Record stores a report unless one with the same or a newer generation
// is already recorded. It returns true when the report was accepted.
func (t *StateTable) Record(st ExecutionState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.states[st.Workload]; ok && st.Generation <= cur.Generation {
		return false
	}
	t.states[st.Workload] = st
	return true
}

// Get returns the latest state of a workload.
func (t *StateTable) Get(name string) (ExecutionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[name]
	return st, ok
}

// Generation returns the last recorded generation of a workload, or zero.
func (t *StateTable) Generation(name string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[name].Generation
}

// List returns all recorded states sorted by workload name.
func (t *StateTable) List() []ExecutionState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ExecutionState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workload < out[j].Workload })
	return out
}

// CountByState returns how many workloads are in each state.
func (t *StateTable) CountByState() map[WorkloadState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[WorkloadState]int, len(AllStates))
	for _, st := range t.states {
		counts[st.State]++
	}
	return counts
}
