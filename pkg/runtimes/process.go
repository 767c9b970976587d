package runtimes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// workloadEnv marks processes started by the agent so stale handles from a
// previous run are only signaled when they still belong to the workload.
const workloadEnv = "DRIFTWOOD_WORKLOAD"

// ProcessConfig is the runtime config of process workloads.
type ProcessConfig struct {
	Command []string          `yaml:"command" validate:"required,min=1,dive,required"`
	Env     map[string]string `yaml:"env"`
	Workdir string            `yaml:"workdir"`
}

// ProcessConnector runs workloads as local processes, each in its own
// process group.
type ProcessConnector struct {
	dataDir string
	grace   time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	procs map[string]*processEntry
}

type processEntry struct {
	workload string
	pid      int
	done     chan struct{}
	exitCode int
}

var (
	_ engine.RuntimeConnector = (*ProcessConnector)(nil)
	_ ConfigValidator         = (*ProcessConnector)(nil)
)

// NewProcessConnector creates the process runtime. grace is how long Stop
// waits after SIGTERM before sending SIGKILL.
func NewProcessConnector(dataDir string, grace time.Duration, logger zerolog.Logger) *ProcessConnector {
	return &ProcessConnector{
		dataDir: dataDir,
		grace:   grace,
		logger:  logger.With().Str("component", "runtime").Str("runtime", "process").Logger(),
		procs:   make(map[string]*processEntry),
	}
}

func (c *ProcessConnector) Name() string { return "process" }

// ValidateConfig implements ConfigValidator.
func (c *ProcessConnector) ValidateConfig(spec *engine.WorkloadSpec) error {
	var cfg ProcessConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return err
	}
	return validateFiles(spec.Files)
}

// Start spawns the command with the workload files in DRIFTWOOD_FILES_DIR.
func (c *ProcessConnector) Start(ctx context.Context, spec *engine.WorkloadSpec) (engine.Handle, error) {
	var cfg ProcessConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.Handle{}, err
	}

	dir := workloadDir(c.dataDir, spec.Name)
	filesDir := filepath.Join(dir, "files")
	if _, err := materializeFiles(filesDir, spec.Files); err != nil {
		return engine.Handle{}, err
	}

	output, err := openOutputLog(dir)
	if err != nil {
		return engine.Handle{}, err
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Workdir
	if cmd.Dir == "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		workloadEnv+"="+spec.Name,
		"DRIFTWOOD_FILES_DIR="+filesDir,
	)
	cmd.Env = append(cmd.Env, envList(cfg.Env)...)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		output.Close()
		return engine.Handle{}, fmt.Errorf("failed to start %s: %w", cfg.Command[0], err)
	}

	entry := &processEntry{workload: spec.Name, pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		output.Close()
		entry.exitCode = cmd.ProcessState.ExitCode()
		c.logger.Debug().Str("workload", spec.Name).Int("pid", entry.pid).Int("exit_code", entry.exitCode).Err(err).Msg("Process exited")
		close(entry.done)
	}()

	id := strconv.Itoa(entry.pid)
	c.mu.Lock()
	c.procs[id] = entry
	c.mu.Unlock()

	c.logger.Info().Str("workload", spec.Name).Int("pid", entry.pid).Msg("Process started")
	return engine.Handle{Runtime: c.Name(), ID: id}, nil
}

// Poll reports the exit status once the process has been reaped.
func (c *ProcessConnector) Poll(_ context.Context, _ string, handle engine.Handle) (engine.ObservedState, error) {
	c.mu.Lock()
	entry, ok := c.procs[handle.ID]
	c.mu.Unlock()
	if !ok {
		return engine.ObservedVanished, nil
	}

	select {
	case <-entry.done:
		if entry.exitCode == 0 {
			return engine.ObservedSucceeded, nil
		}
		return engine.ObservedFailed, nil
	default:
		return engine.ObservedRunning, nil
	}
}

// Stop terminates the process group. Handles from a previous agent run are
// signaled only if the process still carries the workload marker.
func (c *ProcessConnector) Stop(ctx context.Context, name string, handle engine.Handle) error {
	c.mu.Lock()
	entry, ok := c.procs[handle.ID]
	c.mu.Unlock()

	if ok {
		if err := c.terminate(ctx, entry.pid, func() bool {
			select {
			case <-entry.done:
				return true
			default:
				return false
			}
		}); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.procs, handle.ID)
		c.mu.Unlock()
	} else if err := c.stopStale(ctx, name, handle.ID); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(workloadDir(c.dataDir, name), "files")); err != nil {
		c.logger.Warn().Err(err).Str("workload", name).Msg("Failed to remove workload files")
	}
	return nil
}

// stopStale handles a pid journaled by a previous agent process.
func (c *ProcessConnector) stopStale(ctx context.Context, name, id string) error {
	pid, err := strconv.Atoi(id)
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid process handle %q", id)
	}

	environ, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		c.logger.Warn().Err(err).Str("workload", name).Int("pid", pid).Msg("Cannot inspect stale process, leaving it alone")
		return nil
	}
	if !bytes.Contains(environ, []byte(workloadEnv+"="+name+"\x00")) {
		return nil
	}

	c.logger.Info().Str("workload", name).Int("pid", pid).Msg("Stopping process from previous run")
	return c.terminate(ctx, pid, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	})
}

// terminate sends SIGTERM to the process group, escalating to SIGKILL
// after the grace period.
func (c *ProcessConnector) terminate(ctx context.Context, pid int, exited func() bool) error {
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(c.grace)
	killed := false
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for !exited() {
		if !killed && time.Now().After(deadline) {
			c.logger.Warn().Int("pid", pid).Msg("Process ignored SIGTERM, killing")
			if err := signalGroup(pid, syscall.SIGKILL); err != nil {
				return err
			}
			killed = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to signal process group %d: %w", pid, err)
}
