package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCollectHostFacts(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"etc/os-release":            "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"12\"\nID=debian\n",
		"proc/sys/kernel/osrelease": "6.1.0-18-amd64\n",
		"proc/cpuinfo":              "processor\t: 0\nmodel name\t: AMD EPYC 7763\n\nprocessor\t: 1\nmodel name\t: AMD EPYC 7763\n",
		"proc/meminfo":              "MemTotal:        8048576 kB\nMemFree:          123456 kB\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	facts := CollectHostFacts(root)

	if facts.OS != "Debian GNU/Linux" {
		t.Errorf("Expected OS Debian GNU/Linux, got %q", facts.OS)
	}
	if facts.OSVersion != "12" {
		t.Errorf("Expected OS version 12, got %q", facts.OSVersion)
	}
	if facts.Kernel != "6.1.0-18-amd64" {
		t.Errorf("Expected kernel 6.1.0-18-amd64, got %q", facts.Kernel)
	}
	if facts.CPUModel != "AMD EPYC 7763" {
		t.Errorf("Expected CPU model AMD EPYC 7763, got %q", facts.CPUModel)
	}
	if facts.MemoryMB != 7860 {
		t.Errorf("Expected 7860 MB, got %d", facts.MemoryMB)
	}
	if facts.Arch != runtime.GOARCH || facts.CPUs != runtime.NumCPU() {
		t.Errorf("Expected arch and cpus of the running process, got %s/%d", facts.Arch, facts.CPUs)
	}

	md := facts.Metadata()
	if md["kernel"] != "6.1.0-18-amd64" || md["memory_mb"] != "7860" || md["os"] != "Debian GNU/Linux" {
		t.Errorf("Unexpected metadata %v", md)
	}
}

func TestCollectHostFacts_MissingFiles(t *testing.T) {
	facts := CollectHostFacts(t.TempDir())

	if facts.OS != "" || facts.Kernel != "" || facts.MemoryMB != 0 {
		t.Errorf("Expected empty facts, got %+v", facts)
	}
	md := facts.Metadata()
	if _, ok := md["kernel"]; ok {
		t.Error("Expected no kernel metadata")
	}
	if md["arch"] != runtime.GOARCH {
		t.Errorf("Expected arch %s, got %s", runtime.GOARCH, md["arch"])
	}
}
