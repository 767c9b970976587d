package engine

import (
	"errors"
	"testing"
)

func TestSpecStore_ApplyClassifiesChanges(t *testing.T) {
	store := NewSpecStore()

	changes, err := store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim"), spec("b", "sim")}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(changes.Added) != 2 || changes.Version != 1 {
		t.Errorf("Expected 2 added at version 1, got %d at %d", len(changes.Added), changes.Version)
	}

	b := spec("b", "sim")
	b.RuntimeConfig = "image: b:v2"
	changes, err = store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim"), b}, Tombstones: []string{"c"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(changes.Added) != 0 || len(changes.Modified) != 1 || len(changes.Removed) != 0 {
		t.Fatalf("Expected only b modified, got %+v", changes)
	}
	if !changes.Modified[0].RuntimeChanged() {
		t.Error("Expected runtime config change to be detected")
	}
	if changes.Version != 2 {
		t.Errorf("Expected version 2, got %d", changes.Version)
	}
}

func TestSpecStore_UnchangedBatchKeepsVersion(t *testing.T) {
	store := NewSpecStore()
	batch := &Batch{Workloads: []WorkloadSpec{spec("a", "sim")}}

	if _, err := store.Apply(batch); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	before := store.Snapshot()

	changes, err := store.Apply(batch)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !changes.Empty() {
		t.Errorf("Expected empty changeset, got %+v", changes)
	}
	if store.Snapshot() != before {
		t.Error("Expected snapshot to be unchanged")
	}
}

func TestSpecStore_EmptyAndNilCollectionsAreEqual(t *testing.T) {
	store := NewSpecStore()
	a := spec("a", "sim")
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	a.Tags = map[string]string{}
	a.AddDependencies = map[string]AddCondition{}
	a.RestartPolicy = RestartNever
	changes, err := store.Apply(&Batch{Workloads: []WorkloadSpec{a}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !changes.Empty() {
		t.Errorf("Expected no change, got %+v", changes)
	}
}

func TestSpecStore_ReplaceRetiresUnlisted(t *testing.T) {
	store := NewSpecStore()
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim"), spec("b", "sim")}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	changes, err := store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim")}, Replace: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(changes.Removed) != 1 || changes.Removed[0] != "b" {
		t.Fatalf("Expected b removed, got %v", changes.Removed)
	}

	snap := store.Snapshot()
	if _, ok := snap.Get("b"); ok {
		t.Error("Expected b not to be desired")
	}
	if _, retiring, ok := snap.Lookup("b"); !ok || !retiring {
		t.Error("Expected b to be retiring")
	}
	if snap.Len() != 1 {
		t.Errorf("Expected 1 desired workload, got %d", snap.Len())
	}

	if !store.Evict("b") {
		t.Fatal("Expected retiring b to be evicted")
	}
	if store.Evict("a") {
		t.Error("Expected desired a not to be evicted")
	}
	if _, _, ok := store.Snapshot().Lookup("b"); ok {
		t.Error("Expected b to be gone")
	}
}

func TestSpecStore_ReaddRetiringIsModification(t *testing.T) {
	store := NewSpecStore()
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim")}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := store.Apply(&Batch{Tombstones: []string{"a"}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	changes, err := store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim")}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(changes.Modified) != 1 {
		t.Fatalf("Expected re-add to be a modification, got %+v", changes)
	}
	if store.Evict("a") {
		t.Error("Expected re-added a not to be evicted")
	}
}

func TestSpecStore_RejectsCycleAtomically(t *testing.T) {
	store := NewSpecStore()
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{spec("a", "sim")}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	before := store.Snapshot()

	a := spec("a", "sim")
	a.AddDependencies = map[string]AddCondition{"b": AddCondRunning}
	b := spec("b", "sim")
	b.DeleteDependencies = map[string]DeleteCondition{"a": DelCondRunning}

	_, err := store.Apply(&Batch{Workloads: []WorkloadSpec{a, b, spec("c", "sim")}})
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("Expected cycle error, got: %v", err)
	}
	if store.Snapshot() != before {
		t.Error("Expected store to be unchanged after rejection")
	}
}

func TestSpecStore_CycleThroughRetiringWorkload(t *testing.T) {
	store := NewSpecStore()
	old := spec("old", "sim")
	old.AddDependencies = map[string]AddCondition{"new": AddCondRunning}
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{old}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := store.Apply(&Batch{Tombstones: []string{"old"}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	n := spec("new", "sim")
	n.DeleteDependencies = map[string]DeleteCondition{"old": DelCondNotPendingNorRunning}
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{n}}); !errors.Is(err, ErrCycleFound) {
		t.Errorf("Expected cycle with retiring workload to be rejected, got: %v", err)
	}
}

func TestSpecStore_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		batch *Batch
	}{
		{"missing runtime", &Batch{Workloads: []WorkloadSpec{{Name: "a"}}}},
		{"bad name", &Batch{Workloads: []WorkloadSpec{spec("a b", "sim")}}},
		{"duplicate", &Batch{Workloads: []WorkloadSpec{spec("a", "sim"), spec("a", "sim")}}},
		{"update and delete", &Batch{Workloads: []WorkloadSpec{spec("a", "sim")}, Tombstones: []string{"a"}}},
		{"bad restart policy", &Batch{Workloads: []WorkloadSpec{{Name: "a", Runtime: "sim", RestartPolicy: "SOMETIMES"}}}},
		{"bad condition", &Batch{Workloads: []WorkloadSpec{{Name: "a", Runtime: "sim", AddDependencies: map[string]AddCondition{"b": "READY"}}}}},
		{"self dependency", &Batch{Workloads: []WorkloadSpec{{Name: "a", Runtime: "sim", AddDependencies: map[string]AddCondition{"a": AddCondRunning}}}}},
		{"relative mount", &Batch{Workloads: []WorkloadSpec{{Name: "a", Runtime: "sim", Files: []WorkloadFile{{MountPoint: "etc/x", Data: "x"}}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewSpecStore()
			_, err := store.Apply(tt.batch)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !IsConfigError(err) {
				t.Errorf("Expected config error, got: %v", err)
			}
			if store.Snapshot().Version() != 0 {
				t.Errorf("Expected version 0, got %d", store.Snapshot().Version())
			}
		})
	}
}

func TestSpecStore_SpecsAreCopied(t *testing.T) {
	store := NewSpecStore()
	a := spec("a", "sim")
	a.Tags = map[string]string{"env": "prod"}
	if _, err := store.Apply(&Batch{Workloads: []WorkloadSpec{a}}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	a.Tags["env"] = "dev"
	got, _ := store.Snapshot().Get("a")
	if got.Tags["env"] != "prod" {
		t.Errorf("Expected stored spec to be isolated from caller, got %s", got.Tags["env"])
	}
}
