package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// Manifest is a desired state: every workload of every agent, keyed by name.
type Manifest struct {
	APIVersion string
	Source     string
	Workloads  map[string]engine.WorkloadSpec
}

// Names returns the workload names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Workloads))
	for name := range m.Workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns the agents workloads are assigned to, sorted.
func (m *Manifest) Agents() []string {
	seen := make(map[string]bool)
	var agents []string
	for _, spec := range m.Workloads {
		if spec.Agent != "" && !seen[spec.Agent] {
			seen[spec.Agent] = true
			agents = append(agents, spec.Agent)
		}
	}
	sort.Strings(agents)
	return agents
}

// ForAgent returns the workloads assigned to agent in name order. An empty
// agent selects every workload. Workloads without an agent are not
// scheduled anywhere.
func (m *Manifest) ForAgent(agent string) []engine.WorkloadSpec {
	var specs []engine.WorkloadSpec
	for _, name := range m.Names() {
		spec := m.Workloads[name]
		if agent == "" || spec.Agent == agent {
			specs = append(specs, *spec.Clone())
		}
	}
	return specs
}

// Batch returns the complete desired state of agent as a Replace batch.
func (m *Manifest) Batch(agent, requestID string) *engine.Batch {
	return &engine.Batch{
		RequestID: requestID,
		Workloads: m.ForAgent(agent),
		Replace:   true,
	}
}

// ManifestLoader reads manifests from YAML, CUE and Starlark sources.
type ManifestLoader struct {
	cue      *CUEManifestParser
	starlark *StarlarkEvaluator

	// vars are predeclared in Starlark manifests
	vars map[string]interface{}
}

// NewManifestLoader creates a loader. vars are made available to Starlark
// manifests as global variables.
func NewManifestLoader(starlarkTimeout time.Duration, vars map[string]interface{}) *ManifestLoader {
	return &ManifestLoader{
		cue:      NewCUEManifestParser(),
		starlark: NewStarlarkEvaluator(starlarkTimeout),
		vars:     vars,
	}
}

// Load parses the manifest at path. The format follows the extension:
// .yaml, .yml and .json are YAML, .cue and directories are CUE, .star is
// Starlark.
func (l *ManifestLoader) Load(ctx context.Context, path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}
	if info.IsDir() {
		return l.cue.Parse(ctx, path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		return ParseYAMLManifest(path, data)
	case ".cue":
		return l.cue.Parse(ctx, path)
	case ".star":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		return l.starlark.EvaluateManifest(ctx, path, string(data), l.vars)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
}

// IsManifestFile reports whether path has a manifest extension.
func IsManifestFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".cue", ".star":
		return true
	}
	return false
}

type yamlManifest struct {
	APIVersion string                            `yaml:"apiVersion"`
	Workloads  map[string]map[string]interface{} `yaml:"workloads"`
}

// ParseYAMLManifest parses a YAML (or JSON) manifest.
func ParseYAMLManifest(source string, data []byte) (*Manifest, error) {
	var raw yamlManifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			return nil, manifestError(source, "", "%s", strings.Join(typeErr.Errors, "; "))
		}
		return nil, manifestError(source, "", "%v", err)
	}

	return buildManifest(source, raw.APIVersion, raw.Workloads)
}

// buildManifest turns generic workload maps produced by any source format
// into specs.
func buildManifest(source, apiVersion string, workloads map[string]map[string]interface{}) (*Manifest, error) {
	m := &Manifest{
		APIVersion: apiVersion,
		Source:     source,
		Workloads:  make(map[string]engine.WorkloadSpec, len(workloads)),
	}

	var errs []ValidationError
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, err := specFromMap(name, workloads[name])
		if err != nil {
			errs = append(errs, ValidationError{
				File:     source,
				Path:     "workloads." + name,
				Message:  err.Error(),
				Severity: "error",
			})
			continue
		}
		m.Workloads[name] = spec
	}

	if len(errs) > 0 {
		return nil, &ManifestError{Source: source, Errors: errs}
	}
	return m, nil
}

// specFromMap decodes one workload. The map key is the workload name; a
// runtimeConfig given as a mapping is rendered to YAML.
func specFromMap(name string, fields map[string]interface{}) (engine.WorkloadSpec, error) {
	var spec engine.WorkloadSpec

	normalized := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		normalized[k] = v
	}

	if rc, ok := normalized["runtimeConfig"]; ok {
		if _, isString := rc.(string); !isString && rc != nil {
			out, err := yaml.Marshal(rc)
			if err != nil {
				return spec, fmt.Errorf("failed to render runtimeConfig: %w", err)
			}
			normalized["runtimeConfig"] = string(out)
		}
	}

	if declared, ok := normalized["name"]; ok && declared != name {
		return spec, fmt.Errorf("name %v does not match key %s", declared, name)
	}
	normalized["name"] = name

	data, err := json.Marshal(normalized)
	if err != nil {
		return spec, fmt.Errorf("failed to encode workload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("failed to decode workload: %w", err)
	}
	return spec, nil
}
