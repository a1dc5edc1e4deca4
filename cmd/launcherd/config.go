package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/edgelauncher/pkg/model"
)

// Config is launcherd's on-disk configuration: where to persist state,
// which runner backend to drive, and the bounded-resource maxima the
// dispatcher enforces at its public surface (spec §9, "static
// allocation").
type Config struct {
	DataDir          string `yaml:"dataDir"`
	ServiceBaseDir   string `yaml:"serviceBaseDir"`
	Runtime          string `yaml:"runtime"` // "memory" or "containerd"
	ContainerdSocket string `yaml:"containerdSocket"`
	PoolSize         int    `yaml:"poolSize"`
	MetricsAddr      string `yaml:"metricsAddr"`
	GoalStateFile    string `yaml:"goalStateFile"`

	Limits struct {
		MaxInstances int `yaml:"maxInstances"`
		MaxServices  int `yaml:"maxServices"`
		MaxLayers    int `yaml:"maxLayers"`
	} `yaml:"limits"`
}

// defaultConfig mirrors model.DefaultLimits and spec §2's default pool
// size of 5.
func defaultConfig() Config {
	cfg := Config{
		DataDir:        "/var/lib/launcherd",
		ServiceBaseDir: "/var/lib/launcherd/services",
		Runtime:        "memory",
		PoolSize:       5,
		MetricsAddr:    ":9090",
	}
	cfg.Limits.MaxInstances = model.DefaultLimits.MaxInstances
	cfg.Limits.MaxServices = model.DefaultLimits.MaxServices
	cfg.Limits.MaxLayers = model.DefaultLimits.MaxLayers
	return cfg
}

// loadConfig reads and parses the YAML config at path, overlaying it
// onto defaultConfig so a partial file is valid.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) limits() model.Limits {
	return model.Limits{
		MaxInstances: c.Limits.MaxInstances,
		MaxServices:  c.Limits.MaxServices,
		MaxLayers:    c.Limits.MaxLayers,
	}
}

// goalStateFile is the on-disk shape of a goal-state push: the same
// (services, layers, instances, force_restart) quadruple RunInstances
// takes (spec §4.1), expressed as YAML so an operator or a boot-time
// config can supply the node's initial desired state without a live
// control-plane connection.
type goalStateFile struct {
	ForceRestart bool               `yaml:"forceRestart"`
	Services     []serviceInfoYAML  `yaml:"services"`
	Layers       []layerInfoYAML    `yaml:"layers"`
	Instances    []instanceInfoYAML `yaml:"instances"`
}

type serviceInfoYAML struct {
	ServiceID  string `yaml:"serviceId"`
	Version    string `yaml:"version"`
	ProviderID string `yaml:"providerId"`
}

type layerInfoYAML struct {
	LayerID string `yaml:"layerId"`
	Digest  string `yaml:"digest"`
}

type instanceInfoYAML struct {
	ServiceID     string  `yaml:"serviceId"`
	SubjectID     string  `yaml:"subjectId"`
	InstanceIndex uint32  `yaml:"instanceIndex"`
	Priority      int     `yaml:"priority"`
	StoragePath   string  `yaml:"storagePath"`
	StatePath     string  `yaml:"statePath"`
	UID           int     `yaml:"uid"`
	CPUCores      float64 `yaml:"cpuCores"`
	MemoryBytes   int64   `yaml:"memoryBytes"`
}

// loadGoalState reads and parses a goalStateFile from path.
func loadGoalState(path string) (goalStateFile, error) {
	var gs goalStateFile
	data, err := os.ReadFile(path)
	if err != nil {
		return gs, fmt.Errorf("read goal state: %w", err)
	}
	if err := yaml.Unmarshal(data, &gs); err != nil {
		return gs, fmt.Errorf("parse goal state: %w", err)
	}
	return gs, nil
}

// toModel converts the YAML goal state into the (services, layers,
// instances) triple RunInstances expects.
func (gs goalStateFile) toModel() ([]model.ServiceInfo, []model.LayerInfo, []model.InstanceInfo) {
	services := make([]model.ServiceInfo, 0, len(gs.Services))
	for _, s := range gs.Services {
		services = append(services, model.ServiceInfo{ServiceID: s.ServiceID, Version: s.Version, ProviderID: s.ProviderID})
	}

	layers := make([]model.LayerInfo, 0, len(gs.Layers))
	for _, l := range gs.Layers {
		layers = append(layers, model.LayerInfo{LayerID: l.LayerID, Digest: l.Digest})
	}

	instances := make([]model.InstanceInfo, 0, len(gs.Instances))
	for _, i := range gs.Instances {
		instances = append(instances, model.InstanceInfo{
			Ident: model.InstanceIdent{
				ServiceID:     i.ServiceID,
				SubjectID:     i.SubjectID,
				InstanceIndex: i.InstanceIndex,
			},
			Priority:    i.Priority,
			StoragePath: i.StoragePath,
			StatePath:   i.StatePath,
			UID:         i.UID,
			Limits: model.ResourceLimits{
				CPUCores:    i.CPUCores,
				MemoryBytes: i.MemoryBytes,
			},
		})
	}

	return services, layers, instances
}
