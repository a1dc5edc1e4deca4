package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/edgelauncher/pkg/errs"
	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/model"
)

// RunInstances atomically replaces the goal state and reconciles the
// node toward it, per spec §4.1's 8-step algorithm. It returns once the
// cycle is accepted and has run to completion; per-instance failures
// are recorded as status, not returned as an error. Only
// infrastructure failures (storage, service-manager) are returned.
func (d *Dispatcher) RunInstances(ctx context.Context, services []model.ServiceInfo, layers []model.LayerInfo, instances []model.InstanceInfo, forceRestart bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing {
		return errs.New(errs.Shutdown, "RunInstances", "dispatcher is shutting down")
	}
	if err := d.validateGoalState(services, instances, layers); err != nil {
		return err
	}

	cycleID := uuid.NewString()
	logger := log.WithCycle(d.logger, cycleID)
	timer := metrics.NewTimer()

	desired := make(map[model.InstanceIdent]model.InstanceInfo, len(instances))
	for _, info := range instances {
		desired[info.Ident] = info
	}

	d.agg.BeginCycle()

	d.stateMu.Lock()
	preSnapshot := d.snapshotLocked()
	preCache := d.cache.Clone()
	d.stateMu.Unlock()

	if err := d.svcmgr.ProcessDesiredServices(ctx, services, layers); err != nil {
		return d.abortCycle(ctx, logger, timer, errs.Wrap(errs.Internal, "RunInstances.ProcessDesiredServices", err))
	}

	d.pushCacheEntries(desired)

	toStopOnly, toRestart, toStartNew := d.diff(preSnapshot, desired, forceRestart)

	d.runStopPhase(ctx, logger, append(append([]model.InstanceIdent{}, toStopOnly...), toRestart...))

	d.stateMu.Lock()
	for _, ident := range toStopOnly {
		delete(d.instances, ident)
	}
	d.stateMu.Unlock()

	starts := make([]pendingStart, 0, len(toRestart)+len(toStartNew))
	for _, ident := range toRestart {
		starts = append(starts, pendingStart{ident: ident, info: desired[ident]})
	}
	for _, ident := range toStartNew {
		starts = append(starts, pendingStart{ident: ident, info: desired[ident]})
	}
	sortStarts(starts)

	d.runStartPhase(ctx, logger, starts)

	d.stateMu.Lock()
	dropped := d.cache.Purge()
	d.stateMu.Unlock()
	if len(dropped) > 0 {
		logger.Debug().Strs("service_ids", dropped).Msg("purged unreferenced service cache entries")
	}

	if err := d.persist(toStopOnly); err != nil {
		d.stateMu.Lock()
		d.restoreLocked(preSnapshot, preCache)
		d.stateMu.Unlock()
		return d.abortCycle(ctx, logger, timer, err)
	}

	if err := d.publish(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to publish run status")
	}

	metrics.ReconcileCyclesTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.ReconcileDuration)
	logger.Info().
		Int("stopped", len(toStopOnly)+len(toRestart)).
		Int("started", len(starts)).
		Msg("reconcile cycle completed")

	return nil
}

// validateGoalState rejects malformed goal states before any
// processing begins (spec §4.1, "fails-fast with InvalidArgument").
func (d *Dispatcher) validateGoalState(services []model.ServiceInfo, instances []model.InstanceInfo, layers []model.LayerInfo) error {
	if len(instances) > d.limits.MaxInstances {
		return errs.New(errs.InvalidArgument, "RunInstances", "instance count exceeds configured maximum")
	}
	if len(services) > d.limits.MaxServices {
		return errs.New(errs.InvalidArgument, "RunInstances", "service count exceeds configured maximum")
	}
	if len(layers) > d.limits.MaxLayers {
		return errs.New(errs.InvalidArgument, "RunInstances", "layer count exceeds configured maximum")
	}

	known := make(map[string]struct{}, len(services))
	for _, svc := range services {
		known[svc.ServiceID] = struct{}{}
	}
	for _, info := range instances {
		if !info.Valid() {
			return errs.New(errs.InvalidArgument, "RunInstances", "instance has malformed identity or missing paths")
		}
		if _, ok := known[info.Ident.ServiceID]; !ok {
			return errs.New(errs.InvalidArgument, "RunInstances", "instance references a service_id absent from services")
		}
	}
	return nil
}

// pushCacheEntries resolves and records a cache entry for every
// service_id referenced in desired (spec §4.1 step 3: "for each
// service_id in D, record (version, path) in the service cache").
func (d *Dispatcher) pushCacheEntries(desired map[model.InstanceIdent]model.InstanceInfo) {
	resolved := make(map[string]model.ServiceData)
	for ident := range desired {
		data, ok := resolved[ident.ServiceID]
		if !ok {
			data = d.resolveService(ident.ServiceID)
			resolved[ident.ServiceID] = data
		}
		d.stateMu.Lock()
		d.cache.Put(ident, data)
		d.stateMu.Unlock()
	}
}

// diff computes the instance-ident sets the reconcile phases act on
// (spec §4.1 step 4): idents to stop and drop entirely (no longer
// desired), idents to stop-then-restart (still desired, but forced or
// changed), and idents to start fresh (newly desired).
func (d *Dispatcher) diff(live instanceSnapshot, desired map[model.InstanceIdent]model.InstanceInfo, forceRestart bool) (toStopOnly, toRestart, toStartNew []model.InstanceIdent) {
	for ident, inst := range live {
		dInfo, inDesired := desired[ident]
		if !inDesired {
			toStopOnly = append(toStopOnly, ident)
			continue
		}
		d.stateMu.Lock()
		data, _ := d.cache.Get(ident.ServiceID)
		d.stateMu.Unlock()
		versionChanged := inst.ServiceVersion != data.Version
		limitsChanged := dInfo.Limits != inst.Desired.Limits
		if forceRestart || versionChanged || limitsChanged {
			toRestart = append(toRestart, ident)
		}
	}

	for ident := range desired {
		if _, inLive := live[ident]; !inLive {
			toStartNew = append(toStartNew, ident)
		}
	}

	return toStopOnly, toRestart, toStartNew
}

// runStopPhase submits one stop job per ident in toStop and waits for
// the pool to drain before returning (spec §4.1 step 5).
func (d *Dispatcher) runStopPhase(ctx context.Context, logger zerolog.Logger, toStop []model.InstanceIdent) {
	for _, ident := range toStop {
		if err := d.pool.Submit(d.buildStopJob(ctx, ident, logger)); err != nil {
			logger.Error().Err(err).Str("instance_id", ident.String()).Msg("failed to submit stop job")
		}
	}
	d.pool.WaitDrain()
}

// runStartPhase submits one start job per pendingStart, already sorted
// by descending priority with an identity tie-break, and waits for the
// pool to drain before returning (spec §4.1 step 6).
func (d *Dispatcher) runStartPhase(ctx context.Context, logger zerolog.Logger, starts []pendingStart) {
	for _, s := range starts {
		if err := d.pool.Submit(d.buildStartJob(ctx, s.ident, s.info, logger)); err != nil {
			logger.Error().Err(err).Str("instance_id", s.ident.String()).Msg("failed to submit start job")
		}
	}
	d.pool.WaitDrain()
}

// abortCycle drains any status deltas buffered during the aborted
// cycle, publishes them best-effort, records the failure metric, and
// returns err to the caller.
func (d *Dispatcher) abortCycle(ctx context.Context, logger zerolog.Logger, timer *metrics.Timer, err error) error {
	drained := d.agg.EndCycle()
	if len(drained) > 0 {
		if pubErr := d.receiver.InstancesUpdateStatus(ctx, drained); pubErr != nil {
			logger.Error().Err(pubErr).Msg("failed to publish deferred status on cycle abort")
		}
	}
	metrics.ReconcileCyclesTotal.WithLabelValues("infra_error").Inc()
	timer.ObserveDuration(metrics.ReconcileDuration)
	logger.Error().Err(err).Msg("reconcile cycle aborted")
	return err
}

// persist writes the current live instance set to storage and removes
// the persisted record of every dropped ident, so the persisted set
// equals `to_start ∪ (L \ to_stop)` exactly (spec §4.1 step 7, §3
// invariant "the persisted set of InstanceInfo equals the set of live
// instances at the end of every successful reconcile").
func (d *Dispatcher) persist(dropped []model.InstanceIdent) error {
	d.stateMu.Lock()
	infos := make([]model.InstanceInfo, 0, len(d.instances))
	for _, inst := range d.instances {
		infos = append(infos, inst.Desired)
	}
	d.stateMu.Unlock()

	for _, ident := range dropped {
		if err := d.store.RemoveInstance(ident); err != nil {
			return errs.Wrap(errs.Internal, "persist.RemoveInstance", err)
		}
	}

	for _, info := range infos {
		if err := d.store.UpdateInstance(info); err != nil {
			return errs.Wrap(errs.Internal, "persist.UpdateInstance", err)
		}
	}
	return nil
}

// publish emits the full InstancesRunStatus snapshot and then drains
// any status deltas the aggregator buffered during the cycle (spec
// §4.1 step 8, §4.3).
func (d *Dispatcher) publish(ctx context.Context) error {
	d.stateMu.Lock()
	snapshot := make([]model.InstanceStatus, 0, len(d.instances))
	for _, inst := range d.instances {
		snapshot = append(snapshot, inst.Status())
	}
	d.stateMu.Unlock()

	if err := d.receiver.InstancesRunStatus(ctx, snapshot); err != nil {
		return err
	}

	drained := d.agg.EndCycle()
	if len(drained) > 0 {
		return d.receiver.InstancesUpdateStatus(ctx, drained)
	}
	return nil
}
