package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

func TestCUEManifestParser_ParseInline(t *testing.T) {
	parser := NewCUEManifestParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   string
		checkFunc func(*testing.T, *Manifest)
	}{
		{
			name: "workloads with dependencies",
			content: `
apiVersion: "v1"

_podman: {agent: "agent_A", runtime: "podman"}

workloads: {
	db: _podman & {
		restartPolicy: "ALWAYS"
		runtimeConfig: {image: "postgres:16", env: {POSTGRES_DB: "app"}}
	}
	"web-1": _podman & {
		runtimeConfig: "image: nginx"
		dependencies: db: "RUNNING"
		tags: tier: "frontend"
	}
}
`,
			checkFunc: func(t *testing.T, m *Manifest) {
				if m.APIVersion != "v1" {
					t.Errorf("expected apiVersion v1, got %q", m.APIVersion)
				}
				if names := m.Names(); len(names) != 2 || names[0] != "db" || names[1] != "web-1" {
					t.Fatalf("expected workloads [db web-1], got %v", names)
				}
				db := m.Workloads["db"]
				if db.Name != "db" || db.Agent != "agent_A" || db.RestartPolicy != engine.RestartAlways {
					t.Errorf("unexpected db spec: %+v", db)
				}
				if !strings.Contains(db.RuntimeConfig, "image: postgres:16") || !strings.Contains(db.RuntimeConfig, "POSTGRES_DB: app") {
					t.Errorf("expected struct runtimeConfig rendered as YAML, got %q", db.RuntimeConfig)
				}
				web := m.Workloads["web-1"]
				if web.AddDependencies["db"] != engine.AddCondRunning {
					t.Errorf("expected web-1 to depend on db RUNNING, got %v", web.AddDependencies)
				}
				if web.Tags["tier"] != "frontend" {
					t.Errorf("expected tag tier=frontend, got %v", web.Tags)
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: "workloads: {\n\tdb: {runtime: \"podman\"\n",
			wantErr: "invalid manifest",
		},
		{
			name: "unknown workload field",
			content: `
workloads: db: {
	runtime: "podman"
	restart: "ALWAYS"
}
`,
			wantErr: "restart",
		},
		{
			name: "invalid dependency condition",
			content: `
workloads: {
	db: runtime: "podman"
	web: {
		runtime: "podman"
		dependencies: db: "STARTED"
	}
}
`,
			wantErr: "dependencies",
		},
		{
			name:    "missing runtime",
			content: `workloads: db: agent: "agent_A"`,
			wantErr: "runtime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parser.ParseInline(ctx, tt.content)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				var merr *ManifestError
				if !errors.As(err, &merr) {
					t.Fatalf("expected *ManifestError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, m)
		})
	}
}

func TestCUEManifestParser_ErrorPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.cue")
	content := "workloads: {\n\tdb: {\n\t\truntime: \"podman\"\n\t\trestartPolicy: \"SOMETIMES\"\n\t}\n}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := NewCUEManifestParser().Parse(context.Background(), path)
	var merr *ManifestError
	if !errors.As(err, &merr) {
		t.Fatalf("expected *ManifestError, got %v", err)
	}
	if len(merr.Errors) == 0 {
		t.Fatal("expected at least one validation error")
	}

	found := false
	for _, ve := range merr.Errors {
		if ve.File == path && ve.Line > 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error positioned in %s, got %+v", path, merr.Errors)
	}
}

func TestCUEManifestParser_ParseDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"db.cue":  "package manifest\n\nworkloads: db: {agent: \"agent_A\", runtime: \"sim\"}\n",
		"web.cue": "package manifest\n\nworkloads: web: {agent: \"agent_B\", runtime: \"sim\", dependencies: db: \"RUNNING\"}\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m, err := NewCUEManifestParser().Parse(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to parse directory: %v", err)
	}
	if len(m.Workloads) != 2 {
		t.Fatalf("expected 2 workloads, got %d", len(m.Workloads))
	}
	if agents := m.Agents(); len(agents) != 2 || agents[0] != "agent_A" || agents[1] != "agent_B" {
		t.Errorf("expected agents [agent_A agent_B], got %v", agents)
	}
}
