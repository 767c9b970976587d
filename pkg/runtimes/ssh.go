package runtimes

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/transports/ssh"
)

// DefaultRemoteDir holds the per-workload directories on ssh targets.
const DefaultRemoteDir = "/tmp/driftwood"

// SSHConfig is the runtime config of ssh workloads.
type SSHConfig struct {
	// Target names an entry of the agent's ssh targets.
	Target  string            `yaml:"target" validate:"required"`
	Command string            `yaml:"command" validate:"required"`
	Env     map[string]string `yaml:"env"`
}

// SSHConnector runs shell commands on remote hosts under nohup. The remote
// workload directory holds the pid file, the exit code file, the output
// log and the uploaded workload files.
type SSHConnector struct {
	targets   map[string]ssh.Transport
	remoteDir string
	grace     time.Duration
	logger    zerolog.Logger

	// connMu serializes Connect per target
	connMu sync.Mutex
}

var (
	_ engine.RuntimeConnector = (*SSHConnector)(nil)
	_ engine.Resumer          = (*SSHConnector)(nil)
	_ ConfigValidator         = (*SSHConnector)(nil)
)

// NewSSHConnector creates the ssh runtime over the given named targets.
func NewSSHConnector(targets map[string]ssh.Transport, remoteDir string, grace time.Duration, logger zerolog.Logger) *SSHConnector {
	if remoteDir == "" {
		remoteDir = DefaultRemoteDir
	}
	return &SSHConnector{
		targets:   targets,
		remoteDir: remoteDir,
		grace:     grace,
		logger:    logger.With().Str("component", "runtime").Str("runtime", "ssh").Logger(),
	}
}

func (c *SSHConnector) Name() string { return "ssh" }

// Targets returns the configured target names, sorted.
func (c *SSHConnector) Targets() []string {
	names := make([]string, 0, len(c.targets))
	for name := range c.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateConfig implements ConfigValidator.
func (c *SSHConnector) ValidateConfig(spec *engine.WorkloadSpec) error {
	var cfg SSHConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return err
	}
	if _, ok := c.targets[cfg.Target]; !ok {
		return fmt.Errorf("unknown ssh target %q", cfg.Target)
	}
	return validateFiles(spec.Files)
}

func (c *SSHConnector) transport(ctx context.Context, target string) (ssh.Transport, error) {
	t, ok := c.targets[target]
	if !ok {
		return nil, fmt.Errorf("unknown ssh target %q", target)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return t, nil
}

func (c *SSHConnector) workdir(workload string) string {
	return path.Join(c.remoteDir, workload)
}

// Start uploads the workload files and launches the command in the
// background. The handle is "<target>:<pid>".
func (c *SSHConnector) Start(ctx context.Context, spec *engine.WorkloadSpec) (engine.Handle, error) {
	var cfg SSHConfig
	if err := decodeConfig(spec, &cfg); err != nil {
		return engine.Handle{}, err
	}

	t, err := c.transport(ctx, cfg.Target)
	if err != nil {
		return engine.Handle{}, err
	}

	dir := c.workdir(spec.Name)
	filesDir := path.Join(dir, "files")
	if err := t.RemoveAll(ctx, filesDir); err != nil {
		return engine.Handle{}, err
	}
	for _, f := range spec.Files {
		rel, err := relativeMountPoint(f.MountPoint)
		if err != nil {
			return engine.Handle{}, err
		}
		data, err := fileContent(f)
		if err != nil {
			return engine.Handle{}, err
		}
		if err := t.WriteFile(ctx, path.Join(filesDir, rel), data, 0o644); err != nil {
			return engine.Handle{}, err
		}
	}

	stdout, _, err := t.ExecuteCommand(ctx, launchScript(dir, spec.Name, cfg))
	if err != nil {
		return engine.Handle{}, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil || pid <= 0 {
		return engine.Handle{}, fmt.Errorf("unexpected pid %q from %s", stdout, cfg.Target)
	}

	c.logger.Info().Str("workload", spec.Name).Str("target", cfg.Target).Int("pid", pid).Msg("Remote command started")
	return engine.Handle{Runtime: c.Name(), ID: cfg.Target + ":" + strconv.Itoa(pid)}, nil
}

// launchScript starts the command under nohup. The wrapper records the exit
// code once the command returns and the script prints the wrapper pid.
func launchScript(dir, workload string, cfg SSHConfig) string {
	var env strings.Builder
	env.WriteString("export DRIFTWOOD_WORKLOAD=" + shellQuote(workload) + " DRIFTWOOD_FILES_DIR=" + shellQuote(path.Join(dir, "files")))
	for _, kv := range envList(cfg.Env) {
		env.WriteString(" " + shellQuote(kv))
	}

	d := shellQuote(dir)
	inner := env.String() + "; " + cfg.Command + "; echo $? > " + d + "/exit"
	return "mkdir -p " + d + " && cd " + d + " && rm -f exit pid || exit 1; " +
		"nohup sh -c " + shellQuote(inner) + " >> output.log 2>&1 < /dev/null & " +
		"echo $! > pid; cat pid"
}

// statusScript prints "exited <code>", "running" or "vanished".
func statusScript(dir string, pid int) string {
	d := shellQuote(dir)
	return fmt.Sprintf(
		"if [ -f %[1]s/exit ]; then echo exited $(cat %[1]s/exit); elif kill -0 %[2]d 2>/dev/null; then echo running; else echo vanished; fi",
		d, pid)
}

// stopScript terminates the wrapper and its children, escalating to
// SIGKILL after grace seconds.
func stopScript(pid int, grace int) string {
	return fmt.Sprintf(
		"pkill -TERM -P %[1]d 2>/dev/null; kill -TERM %[1]d 2>/dev/null; "+
			"i=0; while kill -0 %[1]d 2>/dev/null && [ $i -lt %[2]d ]; do sleep 1; i=$((i+1)); done; "+
			"pkill -KILL -P %[1]d 2>/dev/null; kill -KILL %[1]d 2>/dev/null; true",
		pid, grace)
}

func parseSSHHandle(handle engine.Handle) (target string, pid int, err error) {
	target, rawPID, ok := strings.Cut(handle.ID, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid ssh handle %q", handle.ID)
	}
	pid, err = strconv.Atoi(rawPID)
	if err != nil || pid <= 0 {
		return "", 0, fmt.Errorf("invalid ssh handle %q", handle.ID)
	}
	return target, pid, nil
}

func (c *SSHConnector) status(ctx context.Context, name string, handle engine.Handle) (engine.ObservedState, error) {
	target, pid, err := parseSSHHandle(handle)
	if err != nil {
		return "", err
	}
	t, err := c.transport(ctx, target)
	if err != nil {
		return "", err
	}

	stdout, _, err := t.ExecuteCommand(ctx, statusScript(c.workdir(name), pid))
	if err != nil {
		return "", err
	}

	fields := strings.Fields(stdout)
	switch {
	case len(fields) == 1 && fields[0] == "running":
		return engine.ObservedRunning, nil
	case len(fields) == 1 && fields[0] == "vanished":
		return engine.ObservedVanished, nil
	case len(fields) == 2 && fields[0] == "exited":
		if fields[1] == "0" {
			return engine.ObservedSucceeded, nil
		}
		return engine.ObservedFailed, nil
	default:
		return "", fmt.Errorf("unexpected status %q from %s", stdout, target)
	}
}

// Poll checks the exit code file and the wrapper pid.
func (c *SSHConnector) Poll(ctx context.Context, name string, handle engine.Handle) (engine.ObservedState, error) {
	return c.status(ctx, name, handle)
}

// Stop kills the remote command and removes the uploaded files.
func (c *SSHConnector) Stop(ctx context.Context, name string, handle engine.Handle) error {
	target, pid, err := parseSSHHandle(handle)
	if err != nil {
		return err
	}
	t, err := c.transport(ctx, target)
	if err != nil {
		return err
	}

	grace := int(c.grace.Round(time.Second) / time.Second)
	if _, _, err := t.ExecuteCommand(ctx, stopScript(pid, grace)); err != nil {
		return err
	}
	if err := t.RemoveAll(ctx, path.Join(c.workdir(name), "files")); err != nil {
		return err
	}

	c.logger.Info().Str("workload", name).Str("target", target).Int("pid", pid).Msg("Remote command stopped")
	return nil
}

// Resume adopts a remote command that is still running.
func (c *SSHConnector) Resume(ctx context.Context, name string, handle engine.Handle) (engine.Handle, error) {
	state, err := c.status(ctx, name, handle)
	if err != nil {
		return engine.Handle{}, err
	}
	if state != engine.ObservedRunning {
		return engine.Handle{}, fmt.Errorf("remote command is %s", state)
	}
	return handle, nil
}

// Close disconnects every target.
func (c *SSHConnector) Close() error {
	var errs []error
	for _, name := range c.Targets() {
		if err := c.targets[name].Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// shellQuote single-quotes s for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
