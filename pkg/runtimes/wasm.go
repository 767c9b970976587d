package runtimes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// DefaultMemoryLimitPages caps wasm workloads at 16MB.
const DefaultMemoryLimitPages = 256

// WasmConfig is the runtime config of wasm workloads.
type WasmConfig struct {
	// Module is the path of a WASI command module. Relative paths are
	// resolved against the agent data directory.
	Module string            `yaml:"module" validate:"required"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`

	// MemoryLimitPages is counted in 64KB pages.
	MemoryLimitPages uint32 `yaml:"memoryLimitPages" validate:"omitempty,max=65536"`
}

// WasmConnector runs WASI command modules in wazero, one runtime per
// workload so each gets its own memory limit. Workload files are mounted
// at the guest root.
type WasmConnector struct {
	dataDir      string
	defaultPages uint32
	grace        time.Duration
	logger       zerolog.Logger

	seq       atomic.Uint64
	mu        sync.Mutex
	instances map[string]*wasmInstance
}

type wasmInstance struct {
	runtime wazero.Runtime
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

var (
	_ engine.RuntimeConnector = (*WasmConnector)(nil)
	_ ConfigValidator         = (*WasmConnector)(nil)
)

// NewWasmConnector creates the wasm runtime. defaultPages applies to
// workloads that set no memory limit.
func NewWasmConnector(dataDir string, defaultPages uint32, grace time.Duration, logger zerolog.Logger) *WasmConnector {
	if defaultPages == 0 {
		defaultPages = DefaultMemoryLimitPages
	}
	return &WasmConnector{
		dataDir:      dataDir,
		defaultPages: defaultPages,
		grace:        grace,
		logger:       logger.With().Str("component", "runtime").Str("runtime", "wasm").Logger(),
		instances:    make(map[string]*wasmInstance),
	}
}

func (c *WasmConnector) Name() string { return "wasm" }

// ValidateConfig implements ConfigValidator.
func (c *WasmConnector) ValidateConfig(spec *engine.WorkloadSpec) error {
	var cfg WasmConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return err
	}
	return validateFiles(spec.Files)
}

// Start compiles the module and runs its _start function in the background.
func (c *WasmConnector) Start(ctx context.Context, spec *engine.WorkloadSpec) (engine.Handle, error) {
	var cfg WasmConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.Handle{}, err
	}

	modulePath := cfg.Module
	if !filepath.IsAbs(modulePath) {
		modulePath = filepath.Join(c.dataDir, modulePath)
	}
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return engine.Handle{}, fmt.Errorf("failed to read module: %w", err)
	}

	dir := workloadDir(c.dataDir, spec.Name)
	filesDir := filepath.Join(dir, "files")
	if _, err := materializeFiles(filesDir, spec.Files); err != nil {
		return engine.Handle{}, err
	}

	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = c.defaultPages
	}

	// the module outlives the Start call, so it runs on its own context
	runCtx, cancel := context.WithCancel(context.Background())
	rt := wazero.NewRuntimeWithConfig(runCtx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))

	fail := func(err error) (engine.Handle, error) {
		cancel()
		_ = rt.Close(context.Background())
		return engine.Handle{}, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("failed to instantiate WASI: %w", err))
	}
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return fail(fmt.Errorf("failed to compile module: %w", err))
	}

	output, err := openOutputLog(dir)
	if err != nil {
		return fail(err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(spec.Name).
		WithArgs(append([]string{spec.Name}, cfg.Args...)...).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(filesDir, "/")).
		WithStdout(output).
		WithStderr(output).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep()
	for _, k := range sortedNames(cfg.Env) {
		modCfg = modCfg.WithEnv(k, cfg.Env[k])
	}

	inst := &wasmInstance{runtime: rt, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(inst.done)
		defer output.Close()
		_, inst.err = rt.InstantiateModule(runCtx, compiled, modCfg)
		c.logger.Debug().Str("workload", spec.Name).Err(inst.err).Msg("Module returned")
	}()

	id := fmt.Sprintf("%s-%d", spec.Name, c.seq.Add(1))
	c.mu.Lock()
	c.instances[id] = inst
	c.mu.Unlock()

	c.logger.Info().Str("workload", spec.Name).Str("module", modulePath).Uint32("memory_pages", pages).Msg("Module started")
	return engine.Handle{Runtime: c.Name(), ID: id}, nil
}

// Poll maps the module result: a clean return or proc_exit(0) succeeded,
// any other exit code or trap failed.
func (c *WasmConnector) Poll(_ context.Context, _ string, handle engine.Handle) (engine.ObservedState, error) {
	c.mu.Lock()
	inst, ok := c.instances[handle.ID]
	c.mu.Unlock()
	if !ok {
		return engine.ObservedVanished, nil
	}

	select {
	case <-inst.done:
	default:
		return engine.ObservedRunning, nil
	}

	if inst.err == nil {
		return engine.ObservedSucceeded, nil
	}
	var exitErr *sys.ExitError
	if errors.As(inst.err, &exitErr) && exitErr.ExitCode() == 0 {
		return engine.ObservedSucceeded, nil
	}
	return engine.ObservedFailed, nil
}

// Stop cancels the module context and closes its runtime.
func (c *WasmConnector) Stop(ctx context.Context, name string, handle engine.Handle) error {
	c.mu.Lock()
	inst, ok := c.instances[handle.ID]
	delete(c.instances, handle.ID)
	c.mu.Unlock()

	if ok {
		if err := c.shutdown(ctx, inst); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(filepath.Join(workloadDir(c.dataDir, name), "files")); err != nil {
		c.logger.Warn().Err(err).Str("workload", name).Msg("Failed to remove workload files")
	}
	return nil
}

func (c *WasmConnector) shutdown(ctx context.Context, inst *wasmInstance) error {
	inst.cancel()

	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	select {
	case <-inst.done:
	case <-timer.C:
		c.logger.Warn().Msg("Module did not return after cancellation, closing runtime")
	case <-ctx.Done():
		return ctx.Err()
	}
	return inst.runtime.Close(context.Background())
}

// Close stops every module. Used on agent shutdown.
func (c *WasmConnector) Close() error {
	c.mu.Lock()
	instances := c.instances
	c.instances = make(map[string]*wasmInstance)
	c.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := c.shutdown(context.Background(), inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
