package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\nnames = [n.upper() for n in hosts]\n",
			input: map[string]interface{}{
				"count": 5,
				"hosts": []string{"a", "b"},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
				names, ok := sr.Output["names"].([]interface{})
				if !ok || len(names) != 2 || names[1] != "B" {
					t.Errorf("expected [A B], got %v", sr.Output["names"])
				}
			},
		},
		{
			name: "functions and private globals are not exported",
			script: `
_base = 8000

def port(i):
    return _base + i

ports = (port(1), port(2))
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["_base"]; ok {
					t.Error("expected _base to be hidden")
				}
				if _, ok := sr.Output["port"]; ok {
					t.Error("expected function port to be hidden")
				}
				ports, ok := sr.Output["ports"].([]interface{})
				if !ok || len(ports) != 2 || ports[1] != int64(8002) {
					t.Errorf("expected ports [8001 8002], got %v", sr.Output["ports"])
				}
			},
		},
		{
			name:   "struct and json builtins",
			script: "s = struct(image = \"nginx\", replicas = 2)\nencoded = json.encode({\"a\": 1})\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				s, ok := sr.Output["s"].(map[string]interface{})
				if !ok || s["image"] != "nginx" || s["replicas"] != int64(2) {
					t.Errorf("unexpected struct output: %v", sr.Output["s"])
				}
				if sr.Output["encoded"] != `{"a":1}` {
					t.Errorf("unexpected json output: %v", sr.Output["encoded"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "result = (\n",
			wantErr: true,
		},
		{
			name:    "undefined variable",
			script:  "result = missing + 1\n",
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  "x = 1\n",
			input:   map[string]interface{}{"ch": make(chan int)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def spin():
    total = 0
    for i in range(1000000000):
        total += i
    return total

result = spin()
`
	start := time.Now()
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected evaluation to be canceled promptly, took %v", elapsed)
	}
	if result == nil || !strings.Contains(result.Error, "timeout") {
		t.Errorf("expected timeout in result, got %+v", result)
	}
}

func TestStarlarkEvaluator_EvaluateManifest(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	vars := map[string]interface{}{"agent": "agent_A"}

	t.Run("dict form", func(t *testing.T) {
		script := `
api_version = "v1"

def replica(i):
    return {
        "agent": agent,
        "runtime": "podman",
        "runtimeConfig": to_yaml({"image": "nginx", "commandArgs": ["--port", str(8080 + i)]}),
        "dependencies": {"db": "RUNNING"},
    }

workloads = {"web-%d" % i: replica(i) for i in range(2)}
workloads["db"] = {"agent": agent, "runtime": "podman", "runtimeConfig": {"image": "postgres"}}
`
		m, err := evaluator.EvaluateManifest(context.Background(), "m.star", script, vars)
		if err != nil {
			t.Fatalf("failed to evaluate manifest: %v", err)
		}
		if m.APIVersion != "v1" {
			t.Errorf("expected api_version v1, got %q", m.APIVersion)
		}
		if got := m.Names(); strings.Join(got, ",") != "db,web-0,web-1" {
			t.Fatalf("unexpected workloads: %v", got)
		}
		web := m.Workloads["web-1"]
		if web.Agent != "agent_A" {
			t.Errorf("expected agent from vars, got %q", web.Agent)
		}
		if !strings.Contains(web.RuntimeConfig, "\"8081\"") && !strings.Contains(web.RuntimeConfig, "'8081'") {
			t.Errorf("expected rendered runtimeConfig, got %q", web.RuntimeConfig)
		}
		if web.AddDependencies["db"] != engine.AddCondRunning {
			t.Errorf("expected dependency on db, got %v", web.AddDependencies)
		}
		if !strings.Contains(m.Workloads["db"].RuntimeConfig, "image: postgres") {
			t.Errorf("expected dict runtimeConfig rendered as YAML, got %q", m.Workloads["db"].RuntimeConfig)
		}
	})

	t.Run("list form", func(t *testing.T) {
		script := `workloads = [
    {"name": "a", "runtime": "sim"},
    {"name": "b", "runtime": "sim", "dependencies": {"a": "SUCCEEDED"}},
]
`
		m, err := evaluator.EvaluateManifest(context.Background(), "m.star", script, nil)
		if err != nil {
			t.Fatalf("failed to evaluate manifest: %v", err)
		}
		if len(m.Workloads) != 2 || m.Workloads["b"].AddDependencies["a"] != engine.AddCondSucceeded {
			t.Errorf("unexpected workloads: %+v", m.Workloads)
		}
	})

	errorCases := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"no workloads", "x = 1\n", "does not define workloads"},
		{"wrong type", "workloads = 3\n", "must be a dict or a list"},
		{"unnamed list entry", "workloads = [{\"runtime\": \"sim\"}]\n", "has no name"},
		{"duplicate", "workloads = [{\"name\": \"a\", \"runtime\": \"sim\"}, {\"name\": \"a\", \"runtime\": \"sim\"}]\n", "duplicate workload a"},
		{"unknown field", "workloads = {\"a\": {\"runtime\": \"sim\", \"replicas\": 2}}\n", "replicas"},
		{"runtime error", "workloads = {}[\"x\"]\n", "starlark execution failed"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluator.EvaluateManifest(context.Background(), "m.star", tt.script, nil)
			var merr *ManifestError
			if !errors.As(err, &merr) {
				t.Fatalf("expected *ManifestError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
