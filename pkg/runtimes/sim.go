package runtimes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// SimConfig is the runtime config of simulated workloads.
type SimConfig struct {
	// RunFor is how long the workload runs before exiting. Zero runs it
	// until stopped.
	RunFor time.Duration `yaml:"runFor" validate:"gte=0"`

	// ExitCode decides between succeeded (0) and failed after RunFor.
	ExitCode int `yaml:"exitCode"`

	// FailStarts makes the first n starts of the workload fail.
	FailStarts int `yaml:"failStarts" validate:"gte=0"`
}

// ErrSimulatedStartFailure is returned for starts consumed by FailStarts.
var ErrSimulatedStartFailure = errors.New("simulated start failure")

// SimConnector is a deterministic in-memory runtime for demos and tests.
type SimConnector struct {
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	seq       int
	starts    map[string]int
	instances map[string]simInstance
}

type simInstance struct {
	startedAt time.Time
	cfg       SimConfig
}

var (
	_ engine.RuntimeConnector = (*SimConnector)(nil)
	_ engine.Resumer          = (*SimConnector)(nil)
	_ ConfigValidator         = (*SimConnector)(nil)
)

// NewSimConnector creates the sim runtime. now defaults to time.Now.
func NewSimConnector(now func() time.Time, logger zerolog.Logger) *SimConnector {
	if now == nil {
		now = time.Now
	}
	return &SimConnector{
		now:       now,
		logger:    logger.With().Str("component", "runtime").Str("runtime", "sim").Logger(),
		starts:    make(map[string]int),
		instances: make(map[string]simInstance),
	}
}

func (c *SimConnector) Name() string { return "sim" }

// ValidateConfig implements ConfigValidator.
func (c *SimConnector) ValidateConfig(spec *engine.WorkloadSpec) error {
	var cfg SimConfig
	return decodeConfig(spec, &cfg)
}

func (c *SimConnector) Start(_ context.Context, spec *engine.WorkloadSpec) (engine.Handle, error) {
	var cfg SimConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.Handle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.starts[spec.Name]++
	if c.starts[spec.Name] <= cfg.FailStarts {
		c.logger.Debug().Str("workload", spec.Name).Int("attempt", c.starts[spec.Name]).Msg("Failing start")
		return engine.Handle{}, fmt.Errorf("%s: %w", spec.Name, ErrSimulatedStartFailure)
	}

	c.seq++
	id := fmt.Sprintf("%s-%d", spec.Name, c.seq)
	c.instances[id] = simInstance{startedAt: c.now(), cfg: cfg}
	return engine.Handle{Runtime: c.Name(), ID: id}, nil
}

func (c *SimConnector) Poll(_ context.Context, _ string, handle engine.Handle) (engine.ObservedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[handle.ID]
	if !ok {
		return engine.ObservedVanished, nil
	}
	if inst.cfg.RunFor == 0 || c.now().Sub(inst.startedAt) < inst.cfg.RunFor {
		return engine.ObservedRunning, nil
	}
	if inst.cfg.ExitCode == 0 {
		return engine.ObservedSucceeded, nil
	}
	return engine.ObservedFailed, nil
}

func (c *SimConnector) Stop(_ context.Context, _ string, handle engine.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, handle.ID)
	return nil
}

// Resume adopts any sim handle of the workload as a fresh, endlessly
// running instance.
func (c *SimConnector) Resume(_ context.Context, name string, handle engine.Handle) (engine.Handle, error) {
	if !strings.HasPrefix(handle.ID, name+"-") {
		return engine.Handle{}, fmt.Errorf("handle %q does not belong to %s", handle.ID, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[handle.ID]; !ok {
		c.instances[handle.ID] = simInstance{startedAt: c.now()}
	}
	return handle, nil
}

// Crash makes a running instance vanish, as if its runtime lost it.
func (c *SimConnector) Crash(handleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, handleID)
}

// Running returns the number of live instances.
func (c *SimConnector) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}
