package runner

import (
	"context"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/edgelauncher/pkg/model"
)

// MemoryRunner is an in-memory Runner with no process/container backing:
// Start always reports Running immediately; Stop removes a tracked
// instance and returns ErrAlreadyStopped for one it is not tracking. It
// exists for tests and the host binary's memory-backed profile, where
// no real workload execution is required.
type MemoryRunner struct {
	mu      sync.Mutex
	running map[model.InstanceIdent]bool
}

// NewMemoryRunner returns an empty MemoryRunner.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{running: make(map[model.InstanceIdent]bool)}
}

// Start implements Runner.
func (r *MemoryRunner) Start(_ context.Context, info model.InstanceInfo, _ *specs.Spec) (model.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[info.Ident] = true
	return model.RunStatus{Ident: info.Ident, State: model.StateRunning}, nil
}

// Stop implements Runner.
func (r *MemoryRunner) Stop(_ context.Context, ident model.InstanceIdent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running[ident] {
		return ErrAlreadyStopped
	}
	delete(r.running, ident)
	return nil
}

// IsRunning reports whether ident is currently tracked as running; test
// hook mirroring the teacher's IsRunning query on its containerd binding.
func (r *MemoryRunner) IsRunning(ident model.InstanceIdent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[ident]
}
