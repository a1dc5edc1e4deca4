// Package model defines the launcher's instance, service, and layer data
// model: the identities and desired/runtime records the dispatcher
// reconciles, independent of how they are scheduled, stored, or run.
package model

import (
	"fmt"
	"time"
)

// CurrentOperationVersion gates forward compatibility of persisted state.
// Bumped whenever the on-disk layout of dependent state changes.
const CurrentOperationVersion uint64 = 9

// InstanceIdent is the primary key for a running instance: the triple
// (service, subject, index). It is comparable and usable directly as a
// map key.
type InstanceIdent struct {
	ServiceID     string
	SubjectID     string
	InstanceIndex uint32
}

func (id InstanceIdent) String() string {
	return fmt.Sprintf("%s/%s/%d", id.ServiceID, id.SubjectID, id.InstanceIndex)
}

// Valid reports whether every identity field is populated.
func (id InstanceIdent) Valid() bool {
	return id.ServiceID != "" && id.SubjectID != ""
}

// Less gives the deterministic tie-break ordering used when instances of
// equal priority are sorted for the start phase (spec §4.1 step 6).
func (id InstanceIdent) Less(other InstanceIdent) bool {
	if id.ServiceID != other.ServiceID {
		return id.ServiceID < other.ServiceID
	}
	if id.SubjectID != other.SubjectID {
		return id.SubjectID < other.SubjectID
	}
	return id.InstanceIndex < other.InstanceIndex
}

// ResourceLimits bounds what an instance may consume. Equality of two
// ResourceLimits values (not pointer identity) is part of the dispatcher's
// restart-trigger diff (spec §4.1 step 4).
type ResourceLimits struct {
	CPUCores    float64
	MemoryBytes int64
}

// InstanceInfo is the desired-state record for one instance. It is
// immutable within a reconcile cycle and replaced wholesale across
// cycles.
type InstanceInfo struct {
	Ident       InstanceIdent
	Priority    int
	StoragePath string
	StatePath   string
	UID         int
	Limits      ResourceLimits
}

// Valid validates the identity and required paths of an InstanceInfo.
func (i InstanceInfo) Valid() bool {
	return i.Ident.Valid() && i.StoragePath != "" && i.StatePath != ""
}

// ServiceInfo identifies a versioned service the control plane wants
// present on the node.
type ServiceInfo struct {
	ServiceID  string
	Version    string
	ProviderID string
}

// ServiceData is the locally-resolved counterpart of a ServiceInfo: the
// content-addressed path the service-manager materialized it to.
type ServiceData struct {
	ServiceInfo
	Path   string
	Broken bool
}

// LayerInfo is opaque to the core; it is forwarded to the service-manager
// on cycle start and otherwise untouched.
type LayerInfo struct {
	LayerID string
	Digest  string
}

// InstanceState is a node in the per-instance lifecycle state machine
// (spec §4.6).
type InstanceState string

const (
	StateCreated  InstanceState = "created"
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateStopping InstanceState = "stopping"
	StateStopped  InstanceState = "stopped"
	StateFailed   InstanceState = "failed"
)

// ValidTransition reports whether a transition from `from` to `to` is one
// of the edges drawn in spec §4.6. Instance.Transition refuses any other
// transition and leaves the state unchanged; the refusal is reported
// only through its false return value and is not logged.
func ValidTransition(from, to InstanceState) bool {
	switch from {
	case "", StateCreated:
		return to == StateCreated || to == StateStarting
	case StateStarting:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateStopping || to == StateFailed
	case StateStopping:
		return to == StateStopped || to == StateFailed
	case StateStopped, StateFailed:
		// Terminal for the cycle; the next reconcile re-attempts as a
		// fresh Created record rather than transitioning in place.
		return false
	default:
		return false
	}
}

// FailureKind classifies why an instance ended up Failed, independent of
// the errs.Kind used for the operation-level error that caused it.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureBrokenService FailureKind = "broken_service"
	FailureInvalidSpec   FailureKind = "invalid_spec"
	FailureRunner        FailureKind = "runner"
	FailureInternal      FailureKind = "internal"
)

// RunStatus is what the runner reports back for one instance, either as
// the synchronous result of Start/Stop or asynchronously via
// UpdateRunStatus.
type RunStatus struct {
	Ident   InstanceIdent
	State   InstanceState
	Failure FailureKind
	Error   string
}

// Instance is the runtime record the dispatcher owns for one
// InstanceIdent: the desired snapshot it was launched with, its current
// lifecycle state, the last status the runner reported, the env overlay
// that was applied, and a generation counter bumped on every transition.
type Instance struct {
	Ident          InstanceIdent
	Desired        InstanceInfo
	State          InstanceState
	Failure        FailureKind
	LastError      string
	Overlay        map[string]string
	ServiceVersion string
	Generation     uint64
	UpdatedAt      time.Time
}

// Transition attempts to move the instance to `to`, bumping its
// generation on success. It reports whether the transition was applied.
func (inst *Instance) Transition(to InstanceState, failure FailureKind, errMsg string, now time.Time) bool {
	if !ValidTransition(inst.State, to) {
		return false
	}
	inst.State = to
	inst.Failure = failure
	inst.LastError = errMsg
	inst.Generation++
	inst.UpdatedAt = now
	return true
}

// InstanceStatus is the externally-published view of an Instance: enough
// to report status without exposing the full runtime record.
type InstanceStatus struct {
	Ident      InstanceIdent
	State      InstanceState
	Failure    FailureKind
	Error      string
	Generation uint64
}

// Status projects an Instance into its published InstanceStatus.
func (inst *Instance) Status() InstanceStatus {
	return InstanceStatus{
		Ident:      inst.Ident,
		State:      inst.State,
		Failure:    inst.Failure,
		Error:      inst.LastError,
		Generation: inst.Generation,
	}
}

// EnvVarStatus is the per-entry outcome of OverrideEnvVars (spec §4.4).
type EnvVarStatus string

const (
	EnvVarApplied  EnvVarStatus = "applied"
	EnvVarInvalid  EnvVarStatus = "invalid"
	EnvVarNotFound EnvVarStatus = "not_found"
)

// InstanceSelector matches instances on any subset of InstanceIdent
// fields; an unset field is a wildcard for that field.
type InstanceSelector struct {
	ServiceID     string
	SubjectID     string
	InstanceIndex *uint32
}

// Specificity returns how many concrete (non-wildcard) fields the
// selector pins, used as the override-resolution priority (spec §4.4).
func (s InstanceSelector) Specificity() int {
	n := 0
	if s.ServiceID != "" {
		n++
	}
	if s.SubjectID != "" {
		n++
	}
	if s.InstanceIndex != nil {
		n++
	}
	return n
}

// Matches reports whether the selector pins match the given identity;
// unset fields always match.
func (s InstanceSelector) Matches(id InstanceIdent) bool {
	if s.ServiceID != "" && s.ServiceID != id.ServiceID {
		return false
	}
	if s.SubjectID != "" && s.SubjectID != id.SubjectID {
		return false
	}
	if s.InstanceIndex != nil && *s.InstanceIndex != id.InstanceIndex {
		return false
	}
	return true
}

// String gives a stable textual form of the selector, used only as a
// deterministic secondary sort key when resolving override ties.
func (s InstanceSelector) String() string {
	idx := "*"
	if s.InstanceIndex != nil {
		idx = fmt.Sprintf("%d", *s.InstanceIndex)
	}
	svc, subj := s.ServiceID, s.SubjectID
	if svc == "" {
		svc = "*"
	}
	if subj == "" {
		subj = "*"
	}
	return fmt.Sprintf("%s/%s/%s", svc, subj, idx)
}

// OverrideEnvVar is one control-plane-supplied (selector, variable,
// value, optional TTL) tuple.
type OverrideEnvVar struct {
	Selector InstanceSelector
	Name     string
	Value    string
	Expiry   *time.Time
}

// Expired reports whether the override's TTL has elapsed as of `now`.
func (o OverrideEnvVar) Expired(now time.Time) bool {
	return o.Expiry != nil && now.After(*o.Expiry)
}

// Limits bounds the sizes of goal-state inputs the dispatcher accepts,
// enforced at the public surface (spec §9, "Static allocation").
type Limits struct {
	MaxInstances int
	MaxServices  int
	MaxLayers    int
}

// DefaultLimits mirrors the bounded, preallocated-container discipline of
// the source system without hard-coding a compile-time array size.
var DefaultLimits = Limits{
	MaxInstances: 256,
	MaxServices:  64,
	MaxLayers:    32,
}
