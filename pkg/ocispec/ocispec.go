// Package ocispec defines the contract for turning a resolved service
// path, instance info, and environment overlay into an OCI runtime
// spec the runner can consume (spec §6). DefaultProducer is a concrete
// binding grounded on the CPU-shares/quota/memory-limit translation in
// the teacher's containerd runtime adapter; the dispatcher depends only
// on the Producer interface.
package ocispec

import (
	"fmt"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/edgelauncher/pkg/model"
)

// Producer builds an OCI runtime spec for one instance.
type Producer interface {
	Produce(info model.InstanceInfo, servicePath string, overlay map[string]string) (*specs.Spec, error)
}

const (
	cpuPeriodMicroseconds = 100000
	nanosecondsPerSecond  = 1e9
)

// DefaultProducer builds a minimal OCI runtime spec: a read-only
// rootfs at servicePath, the instance's resource limits translated to
// cgroup CPU shares/quota and a memory limit, and the resolved env
// overlay as the process environment.
//
// Grounded on pkg/runtime/containerd.go's CreateContainerWithMounts,
// which performs the same CPU-shares-from-cores and memory-limit
// translation against containerd's own oci.SpecOpts; this producer
// does the equivalent work against the vendor-neutral runtime-spec
// types instead of containerd's SpecOpts functional options, so it has
// no containerd dependency of its own.
type DefaultProducer struct{}

// NewDefaultProducer returns a DefaultProducer.
func NewDefaultProducer() *DefaultProducer {
	return &DefaultProducer{}
}

// Produce implements Producer.
func (p *DefaultProducer) Produce(info model.InstanceInfo, servicePath string, overlay map[string]string) (*specs.Spec, error) {
	if servicePath == "" {
		return nil, fmt.Errorf("ocispec: empty service path for %s", info.Ident)
	}

	env := make([]string, 0, len(overlay))
	for k, v := range overlay {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var cpuShares *uint64
	var cpuQuota *int64
	var cpuPeriod *uint64
	if info.Limits.CPUCores > 0 {
		shares := uint64(info.Limits.CPUCores * 1024)
		quota := int64(info.Limits.CPUCores * cpuPeriodMicroseconds)
		period := uint64(cpuPeriodMicroseconds)
		cpuShares, cpuQuota, cpuPeriod = &shares, &quota, &period
	}

	var memLimit *int64
	if info.Limits.MemoryBytes > 0 {
		m := info.Limits.MemoryBytes
		memLimit = &m
	}

	spec := &specs.Spec{
		Version: specs.Version,
		Root: &specs.Root{
			Path:     filepath.Clean(servicePath),
			Readonly: true,
		},
		Process: &specs.Process{
			Cwd:             "/",
			Env:             env,
			Args:            []string{"/init"},
			Terminal:        false,
			NoNewPrivileges: true,
		},
		Linux: &specs.Linux{
			Resources: &specs.LinuxResources{
				CPU: &specs.LinuxCPU{
					Shares: cpuShares,
					Quota:  cpuQuota,
					Period: cpuPeriod,
				},
				Memory: &specs.LinuxMemory{
					Limit: memLimit,
				},
			},
		},
	}

	return spec, nil
}
