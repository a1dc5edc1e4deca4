package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PoolSize)
	assert.Equal(t, "memory", cfg.Runtime)
	assert.Equal(t, 256, cfg.Limits.MaxInstances)
}

func TestLoadConfig_OverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /tmp/launcherd-test
poolSize: 3
runtime: containerd
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/launcherd-test", cfg.DataDir)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, "containerd", cfg.Runtime)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 256, cfg.Limits.MaxInstances)
}

func TestLoadGoalState_ParsesAndConverts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goalstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
forceRestart: true
services:
  - serviceId: s1
    version: v1
instances:
  - serviceId: s1
    subjectId: u
    instanceIndex: 0
    priority: 10
    storagePath: /var/lib/s1/0
    statePath: /var/lib/s1/0/state
`), 0o644))

	gs, err := loadGoalState(path)
	require.NoError(t, err)
	assert.True(t, gs.ForceRestart)

	services, layers, instances := gs.toModel()
	assert.Len(t, services, 1)
	assert.Empty(t, layers)
	require.Len(t, instances, 1)
	assert.Equal(t, "s1", instances[0].Ident.ServiceID)
	assert.Equal(t, "u", instances[0].Ident.SubjectID)
	assert.True(t, instances[0].Valid())
}
