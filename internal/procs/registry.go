// Package procs answers "does this logical service currently have a live
// OS process". The control plane never spawns processes itself; it only
// observes the PID files the supervised services maintain.
package procs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Registry reports liveness for named logical services.
type Registry interface {
	Alive(service string) bool
}

// PIDFileRegistry reads <dir>/<service>.pid and probes the recorded PID.
type PIDFileRegistry struct {
	dir string
}

// NewPIDFileRegistry creates a registry over dir.
func NewPIDFileRegistry(dir string) *PIDFileRegistry {
	return &PIDFileRegistry{dir: dir}
}

// Alive reports whether the service's PID file names a live process.
// A missing or stale PID file counts as not alive.
func (r *PIDFileRegistry) Alive(service string) bool {
	data, err := os.ReadFile(filepath.Join(r.dir, service+".pid"))
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// StaticRegistry is a fixed service->liveness map for tests and one-shot
// health runs where no PID files exist.
type StaticRegistry map[string]bool

func (r StaticRegistry) Alive(service string) bool {
	return r[service]
}
