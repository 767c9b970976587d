package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/telemetry"
	"github.com/driftwood-io/driftwood/pkg/transports/ssh"
)

// AgentConfig is the configuration file of a driftwood agent.
type AgentConfig struct {
	// Name identifies the agent. Manifests assign workloads by agent name.
	Name string `yaml:"name" validate:"required,max=63"`

	// DataDir holds the journal database and workload files.
	DataDir string `yaml:"dataDir" validate:"required"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Manifest is a local desired-state source, used when no coordinator
	// is configured.
	Manifest string `yaml:"manifest,omitempty"`

	// Policies are rego files or directories evaluated on every batch.
	Policies []string `yaml:"policies,omitempty"`

	Retry engine.RetryPolicy `yaml:"retry"`

	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`

	// ForwarderBuffer bounds the queue of reports waiting for the coordinator.
	ForwarderBuffer int `yaml:"forwarderBuffer" validate:"gt=0"`

	// StopGracePeriod is how long runtimes wait for a workload to exit
	// before killing it.
	StopGracePeriod time.Duration `yaml:"stopGracePeriod" validate:"gte=0"`

	// HistoryRetention bounds how long transition and batch history stays
	// in the journal. Zero keeps everything.
	HistoryRetention time.Duration `yaml:"historyRetention" validate:"gte=0"`

	Runtimes RuntimesConfig `yaml:"runtimes"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// CoordinatorConfig configures the link to the coordinator.
type CoordinatorConfig struct {
	// Address is host:port of the coordinator. Empty runs the agent
	// standalone.
	Address string `yaml:"address,omitempty" validate:"omitempty,hostname_port"`

	ReconnectInitial time.Duration `yaml:"reconnectInitial" validate:"gt=0"`
	ReconnectMax     time.Duration `yaml:"reconnectMax" validate:"gtefield=ReconnectInitial"`
}

// RuntimesConfig selects and configures the runtime connectors.
type RuntimesConfig struct {
	Process ProcessRuntimeConfig   `yaml:"process"`
	Podman  ContainerRuntimeConfig `yaml:"podman"`
	Docker  ContainerRuntimeConfig `yaml:"docker"`
	Wasm    WasmRuntimeConfig      `yaml:"wasm"`
	SSH     SSHRuntimeConfig       `yaml:"ssh"`
	Sim     SimRuntimeConfig       `yaml:"sim"`
}

type ProcessRuntimeConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ContainerRuntimeConfig struct {
	Enabled bool `yaml:"enabled"`

	// Binary defaults to the runtime name.
	Binary string `yaml:"binary,omitempty"`
}

type WasmRuntimeConfig struct {
	Enabled bool `yaml:"enabled"`

	// MemoryLimitPages applies to modules that set no limit of their own.
	MemoryLimitPages uint32 `yaml:"memoryLimitPages" validate:"omitempty,max=65536"`
}

// SSHRuntimeConfig enables the ssh runtime when at least one target is set.
type SSHRuntimeConfig struct {
	RemoteDir string                 `yaml:"remoteDir,omitempty"`
	Targets   map[string]*ssh.Config `yaml:"targets,omitempty"`
}

type SimRuntimeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultAgentConfig returns the configuration used for unset values.
func DefaultAgentConfig() *AgentConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "agent"
	}

	tel := telemetry.DefaultConfig()

	return &AgentConfig{
		Name:    hostname,
		DataDir: ".driftwood",
		Coordinator: CoordinatorConfig{
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Retry:            engine.DefaultRetryPolicy(),
		PollInterval:     engine.DefaultPollInterval,
		ForwarderBuffer:  engine.DefaultForwarderCapacity,
		StopGracePeriod:  10 * time.Second,
		HistoryRetention: 7 * 24 * time.Hour,
		Runtimes: RuntimesConfig{
			Process: ProcessRuntimeConfig{Enabled: true},
			Wasm:    WasmRuntimeConfig{Enabled: true, MemoryLimitPages: 256},
		},
		Telemetry: *tel,
	}
}

// LoadAgentConfig reads the configuration file at path over the defaults.
// An empty path returns the validated defaults.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills values the file left empty.
func (c *AgentConfig) ApplyDefaults() {
	for _, target := range c.Runtimes.SSH.Targets {
		if target != nil {
			target.ApplyDefaults()
		}
	}
}

var agentValidator = validator.New()

// Validate checks the configuration.
func (c *AgentConfig) Validate() error {
	if err := agentValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid agent config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid agent config: %w", err)
	}

	if c.Coordinator.Address != "" && c.Manifest != "" {
		return fmt.Errorf("invalid agent config: coordinator address and manifest are mutually exclusive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	for _, name := range c.SSHTargetNames() {
		target := c.Runtimes.SSH.Targets[name]
		if target == nil {
			return fmt.Errorf("ssh target %s is empty", name)
		}
		if err := target.Validate(); err != nil {
			return fmt.Errorf("ssh target %s: %w", name, err)
		}
	}
	return nil
}

// SSHTargetNames returns the configured ssh target names, sorted.
func (c *AgentConfig) SSHTargetNames() []string {
	names := make([]string, 0, len(c.Runtimes.SSH.Targets))
	for name := range c.Runtimes.SSH.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabasePath is the location of the state journal.
func (c *AgentConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "driftwood.db")
}
