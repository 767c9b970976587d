package engine

import (
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// storeEntry is one workload known to the SpecStore. A retiring entry was
// deleted from the desired state but its machine has not reached Removed.
type storeEntry struct {
	spec     *WorkloadSpec
	retiring bool
}

// Snapshot is an immutable view of the SpecStore at one version.
type Snapshot struct {
	version uint64
	entries map[string]storeEntry
}

// Version returns the store version the snapshot was taken at.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Get returns the desired spec of a workload. Retiring workloads are not returned.
func (s *Snapshot) Get(name string) (*WorkloadSpec, bool) {
	e, ok := s.entries[name]
	if !ok || e.retiring {
		return nil, false
	}
	return e.spec, true
}

// Lookup returns the spec of a desired or retiring workload.
func (s *Snapshot) Lookup(name string) (spec *WorkloadSpec, retiring bool, ok bool) {
	e, ok := s.entries[name]
	return e.spec, e.retiring, ok
}

// Names returns the desired workload names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		if !e.retiring {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Retiring returns the names of deleted workloads still stopping.
func (s *Snapshot) Retiring() []string {
	var names []string
	for name, e := range s.entries {
		if e.retiring {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of desired workloads.
func (s *Snapshot) Len() int {
	n := 0
	for _, e := range s.entries {
		if !e.retiring {
			n++
		}
	}
	return n
}

// Specs returns every desired and retiring spec keyed by name.
func (s *Snapshot) Specs() map[string]*WorkloadSpec {
	specs := make(map[string]*WorkloadSpec, len(s.entries))
	for name, e := range s.entries {
		specs[name] = e.spec
	}
	return specs
}

// SpecChange is a redefinition of an existing workload.
type SpecChange struct {
	Old *WorkloadSpec
	New *WorkloadSpec
}

// RuntimeChanged reports whether the change requires a stop-then-restart.
func (c SpecChange) RuntimeChanged() bool {
	return c.Old.Fingerprint() != c.New.Fingerprint()
}

// Changeset is the difference a batch made to the SpecStore.
type Changeset struct {
	Version  uint64
	Added    []*WorkloadSpec
	Modified []SpecChange
	Removed  []string
}

// Empty reports whether the batch changed nothing.
func (c *Changeset) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

// SpecStore holds the agent's view of its assigned workloads.
type SpecStore struct {
	mu       sync.RWMutex
	current  *Snapshot
	validate *validator.Validate
}

// NewSpecStore creates an empty SpecStore.
func NewSpecStore() *SpecStore {
	return &SpecStore{
		current:  &Snapshot{entries: make(map[string]storeEntry)},
		validate: newSpecValidator(),
	}
}

// Snapshot returns the current immutable view.
func (s *SpecStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply merges a batch atomically. On error nothing is changed.
func (s *SpecStore) Apply(batch *Batch) (*Changeset, error) {
	if err := validateBatch(s.validate, batch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	next := make(map[string]storeEntry, len(prev.entries)+len(batch.Workloads))
	for name, e := range prev.entries {
		next[name] = e
	}

	changes := &Changeset{}
	listed := make(map[string]bool, len(batch.Workloads))

	for i := range batch.Workloads {
		spec := batch.Workloads[i].Clone()
		listed[spec.Name] = true

		existing, ok := prev.entries[spec.Name]
		switch {
		case !ok:
			changes.Added = append(changes.Added, spec)
		case existing.retiring:
			changes.Modified = append(changes.Modified, SpecChange{Old: existing.spec, New: spec})
		case existing.spec.Equal(spec):
			continue
		default:
			changes.Modified = append(changes.Modified, SpecChange{Old: existing.spec, New: spec})
		}
		next[spec.Name] = storeEntry{spec: spec}
	}

	retire := func(name string) {
		e, ok := next[name]
		if !ok || e.retiring {
			return
		}
		next[name] = storeEntry{spec: e.spec, retiring: true}
		changes.Removed = append(changes.Removed, name)
	}

	for _, name := range batch.Tombstones {
		retire(name)
	}
	if batch.Replace {
		for _, name := range sortedKeys(prev.entries) {
			if !listed[name] {
				retire(name)
			}
		}
	}

	if changes.Empty() {
		changes.Version = prev.version
		return changes, nil
	}

	specs := make(map[string]*WorkloadSpec, len(next))
	for name, e := range next {
		specs[name] = e.spec
	}
	if err := DetectCycles(specs); err != nil {
		return nil, err
	}

	s.current = &Snapshot{version: prev.version + 1, entries: next}
	changes.Version = s.current.version
	return changes, nil
}

// Evict drops a retiring workload once its machine reached Removed.
// It returns false if the workload was re-added in the meantime.
func (s *SpecStore) Evict(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.current.entries[name]
	if !ok || !e.retiring {
		return false
	}

	next := make(map[string]storeEntry, len(s.current.entries))
	for n, e := range s.current.entries {
		if n != name {
			next[n] = e
		}
	}
	s.current = &Snapshot{version: s.current.version + 1, entries: next}
	return true
}
