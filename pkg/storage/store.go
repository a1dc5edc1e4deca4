package storage

import (
	"github.com/cuemby/edgelauncher/pkg/model"
)

// Store is the persistence contract spec §6 describes: atomic
// single-record writes over instance records, the override set, the
// operation-version counter, and the last-online timestamp. The core
// only ever depends on this interface (spec §1: storage is an external
// collaborator) — BoltStore exists so this repository and its tests have
// a concrete, runnable binding.
type Store interface {
	AddInstance(info model.InstanceInfo) error
	UpdateInstance(info model.InstanceInfo) error
	RemoveInstance(ident model.InstanceIdent) error
	GetAllInstances() ([]model.InstanceInfo, error)

	GetOperationVersion() (uint64, error)
	SetOperationVersion(v uint64) error

	GetOverrideEnvVars() ([]model.OverrideEnvVar, error)
	SetOverrideEnvVars(overrides []model.OverrideEnvVar) error

	GetOnlineTime() (int64, error)
	SetOnlineTime(unixSeconds int64) error

	// PurgeInstances drops every persisted instance record; used when the
	// persisted operation version is behind model.CurrentOperationVersion
	// (spec §6).
	PurgeInstances() error

	Close() error
}
