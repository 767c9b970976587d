package runtimes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// ContainerConfig is the runtime config of podman and docker workloads.
type ContainerConfig struct {
	Image string `yaml:"image" validate:"required"`

	// Args are extra flags for the run command, placed before the image.
	Args []string `yaml:"args"`

	Env map[string]string `yaml:"env"`

	// CommandArgs are passed to the container after the image.
	CommandArgs []string `yaml:"commandArgs"`
}

// commandRunner executes the container CLI and returns its combined output.
type commandRunner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %w: %s", bin, args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ContainerConnector drives podman or docker through their CLI.
type ContainerConnector struct {
	name    string
	bin     string
	dataDir string
	grace   time.Duration
	run     commandRunner
	logger  zerolog.Logger
}

var (
	_ engine.RuntimeConnector = (*ContainerConnector)(nil)
	_ engine.Resumer          = (*ContainerConnector)(nil)
	_ ConfigValidator         = (*ContainerConnector)(nil)
)

// NewContainerConnector creates a container runtime named name ("podman" or
// "docker") calling bin, which defaults to name.
func NewContainerConnector(name, bin, dataDir string, grace time.Duration, logger zerolog.Logger) *ContainerConnector {
	if bin == "" {
		bin = name
	}
	return &ContainerConnector{
		name:    name,
		bin:     bin,
		dataDir: dataDir,
		grace:   grace,
		run:     execRunner,
		logger:  logger.With().Str("component", "runtime").Str("runtime", name).Logger(),
	}
}

func (c *ContainerConnector) Name() string { return c.name }

// ValidateConfig implements ConfigValidator.
func (c *ContainerConnector) ValidateConfig(spec *engine.WorkloadSpec) error {
	var cfg ContainerConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return err
	}
	return validateFiles(spec.Files)
}

// containerName is the name of the container backing a workload.
func containerName(workload string) string {
	return "driftwood-" + workload
}

// Start replaces any leftover container of the workload and runs a new one
// detached. The handle is the container id.
func (c *ContainerConnector) Start(ctx context.Context, spec *engine.WorkloadSpec) (engine.Handle, error) {
	var cfg ContainerConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.Handle{}, err
	}

	filesDir := filepath.Join(workloadDir(c.dataDir, spec.Name), "files")
	mounts, err := materializeFiles(filesDir, spec.Files)
	if err != nil {
		return engine.Handle{}, err
	}

	name := containerName(spec.Name)
	if _, err := c.run(ctx, c.bin, "rm", "-f", name); err != nil {
		c.logger.Debug().Err(err).Str("workload", spec.Name).Msg("No leftover container removed")
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "driftwood.workload=" + spec.Name,
	}
	if spec.Agent != "" {
		args = append(args, "--label", "driftwood.agent="+spec.Agent)
	}
	for _, kv := range envList(cfg.Env) {
		args = append(args, "-e", kv)
	}
	for _, mountPoint := range sortedNames(mounts) {
		args = append(args, "-v", mounts[mountPoint]+":"+mountPoint+":ro")
	}
	args = append(args, cfg.Args...)
	args = append(args, cfg.Image)
	args = append(args, cfg.CommandArgs...)

	out, err := c.run(ctx, c.bin, args...)
	if err != nil {
		return engine.Handle{}, err
	}

	id := lastLine(string(out))
	if id == "" {
		return engine.Handle{}, fmt.Errorf("%s run printed no container id", c.bin)
	}
	c.logger.Info().Str("workload", spec.Name).Str("container", id).Msg("Container started")
	return engine.Handle{Runtime: c.name, ID: id}, nil
}

type containerState struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
}

// inspect returns the state of a container, or nil when it does not exist.
func (c *ContainerConnector) inspect(ctx context.Context, id string) (*containerState, error) {
	out, err := c.run(ctx, c.bin, "inspect", "--format", "{{json .State}}", id)
	if err != nil {
		if isNoSuchContainer(string(out)) || isNoSuchContainer(err.Error()) {
			return nil, nil
		}
		return nil, err
	}

	var state containerState
	if err := json.Unmarshal([]byte(lastLine(string(out))), &state); err != nil {
		return nil, fmt.Errorf("parse %s inspect: %w", c.bin, err)
	}
	return &state, nil
}

// Poll maps the container state to an observed state.
func (c *ContainerConnector) Poll(ctx context.Context, _ string, handle engine.Handle) (engine.ObservedState, error) {
	state, err := c.inspect(ctx, handle.ID)
	if err != nil {
		return "", err
	}
	if state == nil {
		return engine.ObservedVanished, nil
	}

	switch strings.ToLower(state.Status) {
	case "exited", "dead", "stopped":
		if state.ExitCode == 0 {
			return engine.ObservedSucceeded, nil
		}
		return engine.ObservedFailed, nil
	default:
		// created, running, paused, restarting
		return engine.ObservedRunning, nil
	}
}

// Stop stops and removes the container. A missing container is not an error.
func (c *ContainerConnector) Stop(ctx context.Context, name string, handle engine.Handle) error {
	timeout := strconv.Itoa(int(c.grace.Round(time.Second) / time.Second))
	if out, err := c.run(ctx, c.bin, "stop", "-t", timeout, handle.ID); err != nil && !isNoSuchContainer(string(out)) && !isNoSuchContainer(err.Error()) {
		return err
	}
	if out, err := c.run(ctx, c.bin, "rm", "-f", handle.ID); err != nil && !isNoSuchContainer(string(out)) && !isNoSuchContainer(err.Error()) {
		return err
	}

	if err := os.RemoveAll(filepath.Join(workloadDir(c.dataDir, name), "files")); err != nil {
		c.logger.Warn().Err(err).Str("workload", name).Msg("Failed to remove workload files")
	}
	c.logger.Info().Str("workload", name).Str("container", handle.ID).Msg("Container removed")
	return nil
}

// Resume adopts a container that is still running.
func (c *ContainerConnector) Resume(ctx context.Context, _ string, handle engine.Handle) (engine.Handle, error) {
	state, err := c.inspect(ctx, handle.ID)
	if err != nil {
		return engine.Handle{}, err
	}
	if state == nil {
		return engine.Handle{}, fmt.Errorf("container %s no longer exists", handle.ID)
	}
	if !state.Running {
		return engine.Handle{}, fmt.Errorf("container %s is %s", handle.ID, state.Status)
	}
	return handle, nil
}

func isNoSuchContainer(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no such object") ||
		strings.Contains(lower, "no container with name or id")
}

// lastLine returns the last non-empty line of out, skipping pull progress.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
