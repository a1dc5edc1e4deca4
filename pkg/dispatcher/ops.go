package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/edgelauncher/pkg/envvars"
	"github.com/cuemby/edgelauncher/pkg/errs"
	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/model"
)

// RunLastInstances reads the persisted instance set and replays it
// through the start phase only: no stop phase, no diff, force_restart
// implicitly false (spec §4.1, "run_last_instances"). It is invoked at
// boot and again on the first cloud connect.
func (d *Dispatcher) RunLastInstances(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing {
		return errs.New(errs.Shutdown, "RunLastInstances", "dispatcher is shutting down")
	}

	logger := log.WithCycle(d.logger, uuid.NewString())
	timer := metrics.NewTimer()

	persisted, err := d.store.GetAllInstances()
	if err != nil {
		return d.abortCycle(ctx, logger, timer, errs.Wrap(errs.Internal, "RunLastInstances.GetAllInstances", err))
	}

	d.agg.BeginCycle()

	starts := make([]pendingStart, 0, len(persisted))
	for _, info := range persisted {
		starts = append(starts, pendingStart{ident: info.Ident, info: info})
	}
	sortStarts(starts)

	d.runStartPhase(ctx, logger, starts)

	if err := d.publish(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to publish run status after run_last_instances")
	}

	metrics.ReconcileCyclesTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.ReconcileDuration)
	logger.Info().Int("replayed", len(starts)).Msg("run_last_instances completed")

	return nil
}

// OverrideEnvVars replaces the override env-var set, validating each
// entry and returning one status per input entry (spec §4.4). The
// accepted subset (everything that is not Invalid) is always
// persisted; instances whose resolved overlay changes as a result are
// restarted.
func (d *Dispatcher) OverrideEnvVars(ctx context.Context, overrides []model.OverrideEnvVar) ([]model.EnvVarStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing {
		return nil, errs.New(errs.Shutdown, "OverrideEnvVars", "dispatcher is shutting down")
	}

	logger := log.WithCycle(d.logger, uuid.NewString())
	now := time.Now()

	d.stateMu.Lock()
	oldSet := d.overrides
	idents := make([]model.InstanceIdent, 0, len(d.instances))
	infos := make(map[model.InstanceIdent]model.InstanceInfo, len(d.instances))
	for ident, inst := range d.instances {
		idents = append(idents, ident)
		infos[ident] = inst.Desired
	}
	d.stateMu.Unlock()

	statuses := make([]model.EnvVarStatus, len(overrides))
	accepted := make([]model.OverrideEnvVar, 0, len(overrides))
	for i, o := range overrides {
		if !envvars.ValidateName(o.Name) || !envvars.ValidateValue(o.Value) {
			statuses[i] = model.EnvVarInvalid
			continue
		}
		accepted = append(accepted, o)

		matched := false
		for _, ident := range idents {
			if o.Selector.Matches(ident) {
				matched = true
				break
			}
		}
		if matched {
			statuses[i] = model.EnvVarApplied
		} else {
			statuses[i] = model.EnvVarNotFound
		}
	}

	newSet := envvars.NewSet(accepted)

	if err := d.store.SetOverrideEnvVars(newSet.Raw()); err != nil {
		return nil, errs.Wrap(errs.Internal, "OverrideEnvVars.SetOverrideEnvVars", err)
	}

	d.stateMu.Lock()
	d.overrides = newSet
	d.stateMu.Unlock()

	var affected []model.InstanceIdent
	for _, ident := range idents {
		if !equalOverlay(oldSet.Resolve(ident, now), newSet.Resolve(ident, now)) {
			affected = append(affected, ident)
		}
	}

	if len(affected) > 0 {
		d.agg.BeginCycle()
		d.runStopPhase(ctx, logger, affected)

		starts := make([]pendingStart, 0, len(affected))
		for _, ident := range affected {
			starts = append(starts, pendingStart{ident: ident, info: infos[ident]})
		}
		sortStarts(starts)
		d.runStartPhase(ctx, logger, starts)

		if err := d.persist(nil); err != nil {
			logger.Error().Err(err).Msg("failed to persist after override-triggered restart")
		}
		if err := d.publish(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to publish status after override-triggered restart")
		}
		logger.Info().Int("affected", len(affected)).Msg("override_env_vars triggered restart")
	}

	return statuses, nil
}

// UpdateRunStatus merges runner-reported status into the live instance
// map. It may run concurrently with an active reconcile (spec §4.1,
// "may be invoked concurrently with a reconcile"): it only takes
// stateMu, never the dispatcher's reconcile mutex.
func (d *Dispatcher) UpdateRunStatus(ctx context.Context, statuses []model.RunStatus) error {
	now := time.Now()
	var toPublish []model.InstanceStatus

	for _, status := range statuses {
		d.stateMu.Lock()
		delta, ok, publishNow := d.agg.Apply(d.instances, status, now)
		d.stateMu.Unlock()

		if ok && publishNow {
			toPublish = append(toPublish, delta)
		}
	}

	if len(toPublish) > 0 {
		return d.receiver.InstancesUpdateStatus(ctx, toPublish)
	}
	return nil
}

func equalOverlay(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
