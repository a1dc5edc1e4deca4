// Package servicemanager defines the contract for materializing and
// resolving service artifacts on disk (spec §6); the service-manager
// itself is an external collaborator the core only depends on through
// this interface. LocalServiceManager is an in-memory reference binding
// useful for tests and the memory-backed host binary profile.
package servicemanager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/edgelauncher/pkg/errs"
	"github.com/cuemby/edgelauncher/pkg/model"
)

// ServiceManager materializes the desired services/layers on disk and
// resolves a service_id to its local path and version.
type ServiceManager interface {
	ProcessDesiredServices(ctx context.Context, services []model.ServiceInfo, layers []model.LayerInfo) error
	GetServicePath(serviceID string) (string, error)
	GetServiceVersion(serviceID string) (string, error)
}

// LocalServiceManager simulates content-addressed service resolution
// with an in-memory table rooted at a base directory: every processed
// service is considered resolved to baseDir/<service_id>/<version>,
// with no actual artifact fetch (out of scope per spec §1 — "the core
// does not fetch remote artifacts").
type LocalServiceManager struct {
	mu      sync.RWMutex
	baseDir string
	entries map[string]model.ServiceInfo
	broken  map[string]bool
}

// NewLocalServiceManager returns a LocalServiceManager rooted at baseDir.
func NewLocalServiceManager(baseDir string) *LocalServiceManager {
	return &LocalServiceManager{
		baseDir: baseDir,
		entries: make(map[string]model.ServiceInfo),
		broken:  make(map[string]bool),
	}
}

// MarkBroken flags serviceID as broken for subsequent GetServicePath
// calls; test/ops hook for exercising the BrokenService path without a
// real artifact store.
func (m *LocalServiceManager) MarkBroken(serviceID string, broken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[serviceID] = broken
}

// ProcessDesiredServices records every service as resolved unless it
// has been explicitly marked broken.
func (m *LocalServiceManager) ProcessDesiredServices(_ context.Context, services []model.ServiceInfo, _ []model.LayerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range services {
		m.entries[svc.ServiceID] = svc
	}
	return nil
}

// GetServicePath returns the simulated content-addressed path for
// serviceID.
func (m *LocalServiceManager) GetServicePath(serviceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.broken[serviceID] {
		return "", errs.New(errs.BrokenService, "GetServicePath", fmt.Sprintf("service %s is broken", serviceID))
	}
	svc, ok := m.entries[serviceID]
	if !ok {
		return "", errs.New(errs.NotFound, "GetServicePath", fmt.Sprintf("service %s not processed", serviceID))
	}
	return filepath.Join(m.baseDir, svc.ServiceID, svc.Version), nil
}

// GetServiceVersion returns the last-processed version for serviceID.
func (m *LocalServiceManager) GetServiceVersion(serviceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.entries[serviceID]
	if !ok {
		return "", errs.New(errs.NotFound, "GetServiceVersion", fmt.Sprintf("service %s not processed", serviceID))
	}
	return svc.Version, nil
}
