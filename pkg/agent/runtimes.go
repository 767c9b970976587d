package agent

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/driftwood-io/driftwood/pkg/config"
	"github.com/driftwood-io/driftwood/pkg/engine"
	"github.com/driftwood-io/driftwood/pkg/runtimes"
	"github.com/driftwood-io/driftwood/pkg/transports/ssh"
)

// NewRegistry builds the runtime connectors enabled in cfg.
func NewRegistry(cfg *config.AgentConfig, logger zerolog.Logger) (*runtimes.Registry, error) {
	rt := cfg.Runtimes
	grace := cfg.StopGracePeriod

	var connectors []engine.RuntimeConnector
	if rt.Process.Enabled {
		connectors = append(connectors, runtimes.NewProcessConnector(cfg.DataDir, grace, logger))
	}
	if rt.Podman.Enabled {
		connectors = append(connectors, runtimes.NewContainerConnector("podman", rt.Podman.Binary, cfg.DataDir, grace, logger))
	}
	if rt.Docker.Enabled {
		connectors = append(connectors, runtimes.NewContainerConnector("docker", rt.Docker.Binary, cfg.DataDir, grace, logger))
	}
	if rt.Wasm.Enabled {
		connectors = append(connectors, runtimes.NewWasmConnector(cfg.DataDir, rt.Wasm.MemoryLimitPages, grace, logger))
	}
	if rt.Sim.Enabled {
		connectors = append(connectors, runtimes.NewSimConnector(nil, logger))
	}

	if names := cfg.SSHTargetNames(); len(names) > 0 {
		targets := make(map[string]ssh.Transport, len(names))
		for _, name := range names {
			client, err := ssh.NewSSHClient(rt.SSH.Targets[name])
			if err != nil {
				return nil, fmt.Errorf("ssh target %s: %w", name, err)
			}
			targets[name] = client
		}
		connectors = append(connectors, runtimes.NewSSHConnector(targets, rt.SSH.RemoteDir, grace, logger))
	}

	if len(connectors) == 0 {
		return nil, fmt.Errorf("no runtime is enabled")
	}
	return runtimes.NewRegistry(connectors...)
}
