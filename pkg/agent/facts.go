package agent

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// HostFacts describes the host the agent runs on. They are announced to the
// coordinator in HELLO.
type HostFacts struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
	Kernel    string `json:"kernel,omitempty"`
	Arch      string `json:"arch"`
	CPUModel  string `json:"cpu_model,omitempty"`
	CPUs      int    `json:"cpus"`
	MemoryMB  int64  `json:"memory_mb,omitempty"`
}

// CollectHostFacts reads host facts below root, normally "/". Files that
// are missing leave their facts empty.
func CollectHostFacts(root string) HostFacts {
	facts := HostFacts{
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	facts.Hostname, _ = os.Hostname()

	if data, err := os.ReadFile(filepath.Join(root, "etc", "os-release")); err == nil {
		eachLine(data, func(line string) {
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				return
			}
			value = strings.Trim(value, `"`)
			switch key {
			case "NAME":
				facts.OS = value
			case "VERSION_ID":
				facts.OSVersion = value
			}
		})
	}

	if data, err := os.ReadFile(filepath.Join(root, "proc", "sys", "kernel", "osrelease")); err == nil {
		facts.Kernel = strings.TrimSpace(string(data))
	}

	if data, err := os.ReadFile(filepath.Join(root, "proc", "cpuinfo")); err == nil {
		eachLine(data, func(line string) {
			key, value, ok := strings.Cut(line, ":")
			if ok && facts.CPUModel == "" && strings.TrimSpace(key) == "model name" {
				facts.CPUModel = strings.TrimSpace(value)
			}
		})
	}

	if data, err := os.ReadFile(filepath.Join(root, "proc", "meminfo")); err == nil {
		eachLine(data, func(line string) {
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[0] == "MemTotal:" {
				kb, _ := strconv.ParseInt(fields[1], 10, 64)
				facts.MemoryMB = kb / 1024
			}
		})
	}

	return facts
}

// Metadata flattens the facts into HELLO metadata.
func (f HostFacts) Metadata() map[string]string {
	md := map[string]string{
		"hostname": f.Hostname,
		"arch":     f.Arch,
		"cpus":     strconv.Itoa(f.CPUs),
	}
	set := func(key, value string) {
		if value != "" {
			md[key] = value
		}
	}
	set("os", f.OS)
	set("os_version", f.OSVersion)
	set("kernel", f.Kernel)
	set("cpu_model", f.CPUModel)
	if f.MemoryMB > 0 {
		md["memory_mb"] = strconv.FormatInt(f.MemoryMB, 10)
	}
	return md
}

func eachLine(data []byte, fn func(string)) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
