// Package statusagg merges runner-reported status updates into the
// dispatcher's instance records and decides when those updates may be
// published upstream, per spec §4.3: unknown instance identities are
// dropped, known identities are updated in place, and publication is
// deferred while a reconcile cycle is active so a mid-cycle status
// delta never races the cycle's own InstancesRunStatus snapshot.
//
// Grounded on pkg/reconciler/reconciler.go's reconcileContainers
// state-transition bookkeeping, which gates container health/state
// writes on the reconciler's own cycle phase.
package statusagg

import (
	"sync"
	"time"

	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/model"
)

// Aggregator owns the deferred-delta buffer the dispatcher drains
// right after it publishes its own end-of-cycle snapshot.
type Aggregator struct {
	mu     sync.Mutex
	active bool
	buffer []model.InstanceStatus
}

// New returns an Aggregator with no cycle active.
func New() *Aggregator {
	return &Aggregator{}
}

// BeginCycle marks a reconcile cycle as active: status updates recorded
// from this point are buffered rather than eligible for immediate
// publication.
func (a *Aggregator) BeginCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = true
}

// EndCycle marks the cycle inactive and returns (and clears) every
// delta buffered while it was active, for the dispatcher to publish
// immediately after its own InstancesRunStatus snapshot.
func (a *Aggregator) EndCycle() []model.InstanceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	drained := a.buffer
	a.buffer = nil
	return drained
}

// Apply merges one runner-reported RunStatus into instances (the
// dispatcher's live instance map, which the caller must hold its own
// lock over while calling this). It reports the resulting
// InstanceStatus and whether it should be published now (true) or was
// buffered for the next EndCycle (false). ok is false if ident is not
// present in instances, the one case statusagg drops silently besides
// counting it (spec §9 open question).
func (a *Aggregator) Apply(instances map[model.InstanceIdent]*model.Instance, status model.RunStatus, now time.Time) (delta model.InstanceStatus, ok bool, publishNow bool) {
	inst, found := instances[status.Ident]
	if !found {
		metrics.StatusUnknownIdentTotal.Inc()
		return model.InstanceStatus{}, false, false
	}

	inst.Transition(status.State, status.Failure, status.Error, now)
	delta = inst.Status()

	a.mu.Lock()
	if a.active {
		a.buffer = append(a.buffer, delta)
		publishNow = false
	} else {
		publishNow = true
	}
	a.mu.Unlock()

	return delta, true, publishNow
}

// Pending reports how many deltas are currently buffered, awaiting the
// next EndCycle drain.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}
