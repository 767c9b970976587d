package runtimes

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/driftwood-io/driftwood/pkg/engine"
)

// workloadDir is where a workload keeps its files and output log.
func workloadDir(dataDir, name string) string {
	return filepath.Join(dataDir, "workloads", name)
}

// fileContent returns the bytes of a workload file.
func fileContent(f engine.WorkloadFile) ([]byte, error) {
	if f.BinaryData != "" {
		data, err := base64.StdEncoding.DecodeString(f.BinaryData)
		if err != nil {
			return nil, fmt.Errorf("file %s: invalid base64: %w", f.MountPoint, err)
		}
		return data, nil
	}
	return []byte(f.Data), nil
}

// relativeMountPoint turns an absolute mount point into a clean relative
// path that cannot escape the directory it is joined to.
func relativeMountPoint(mountPoint string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+mountPoint), "/")
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid mount point %q", mountPoint)
	}
	return rel, nil
}

// materializeFiles replaces dir with the given files and returns the host
// path of each mount point.
func materializeFiles(dir string, files []engine.WorkloadFile) (map[string]string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	paths := make(map[string]string, len(files))
	for _, f := range files {
		rel, err := relativeMountPoint(f.MountPoint)
		if err != nil {
			return nil, err
		}
		data, err := fileContent(f)
		if err != nil {
			return nil, err
		}

		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", f.MountPoint, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.MountPoint, err)
		}
		paths[f.MountPoint] = target
	}
	return paths, nil
}

// validateFiles checks mount points and encodings without touching disk.
func validateFiles(files []engine.WorkloadFile) error {
	for _, f := range files {
		if _, err := relativeMountPoint(f.MountPoint); err != nil {
			return err
		}
		if _, err := fileContent(f); err != nil {
			return err
		}
	}
	return nil
}

// openOutputLog opens the append-only output log of a workload.
func openOutputLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output log: %w", err)
	}
	return f, nil
}
