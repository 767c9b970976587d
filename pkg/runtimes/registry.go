package runtimes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// ErrUnknownRuntime is returned by Lookup for unregistered runtime names.
var ErrUnknownRuntime = errors.New("unknown runtime")

// ConfigValidator is implemented by connectors that can check a runtime
// config before the workload is admitted.
type ConfigValidator interface {
	ValidateConfig(spec *engine.WorkloadSpec) error
}

// Registry maps runtime names to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]engine.RuntimeConnector
}

var (
	_ engine.ConnectorResolver = (*Registry)(nil)
	_ engine.Admitter          = (*Registry)(nil)
)

// NewRegistry creates a registry holding the given connectors.
func NewRegistry(connectors ...engine.RuntimeConnector) (*Registry, error) {
	r := &Registry{connectors: make(map[string]engine.RuntimeConnector)}
	for _, c := range connectors {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a connector under its Name.
func (r *Registry) Register(c engine.RuntimeConnector) error {
	return r.RegisterAs(c.Name(), c)
}

// RegisterAs adds a connector under an alias, e.g. "docker" for a
// container connector driving the docker CLI.
func (r *Registry) RegisterAs(name string, c engine.RuntimeConnector) error {
	if name == "" {
		return fmt.Errorf("runtime name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("runtime %q already registered", name)
	}
	r.connectors[name] = c
	return nil
}

// Lookup returns the connector registered under runtime.
func (r *Registry) Lookup(runtime string) (engine.RuntimeConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[runtime]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, runtime)
	}
	return c, nil
}

// Names returns the registered runtime names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Admit validates the runtime config of every workload in the batch.
// Unknown runtimes are left to the dispatcher.
func (r *Registry) Admit(_ context.Context, batch *engine.Batch, _ *engine.Snapshot) error {
	for i := range batch.Workloads {
		spec := &batch.Workloads[i]
		c, err := r.Lookup(spec.Runtime)
		if err != nil {
			continue
		}
		v, ok := c.(ConfigValidator)
		if !ok {
			continue
		}
		if err := v.ValidateConfig(spec); err != nil {
			return engine.NewConfigError(
				fmt.Sprintf("workload %q has an invalid %s runtime config: %v", spec.Name, spec.Runtime, err),
				spec.Name,
			)
		}
	}
	return nil
}

// Close releases connectors that hold resources. Connectors registered
// under several names are closed once.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	seen := make(map[engine.RuntimeConnector]bool)
	for _, name := range sortedNames(r.connectors) {
		c := r.connectors[name]
		if seen[c] {
			continue
		}
		seen[c] = true
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s runtime: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
