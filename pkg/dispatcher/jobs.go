package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/model"
	"github.com/cuemby/edgelauncher/pkg/runner"
	"github.com/cuemby/edgelauncher/pkg/workerpool"
)

// resolveService returns the current ServiceData for serviceID,
// preferring the service cache populated by the reconcile's own cache
// update step. If the cache has no entry (the run_last_instances
// replay path, which never pushes a services list), it falls back to
// querying the service-manager directly, treating a resolution error
// as BrokenService.
func (d *Dispatcher) resolveService(serviceID string) model.ServiceData {
	d.stateMu.Lock()
	if data, ok := d.cache.Get(serviceID); ok {
		d.stateMu.Unlock()
		return data
	}
	d.stateMu.Unlock()

	data := model.ServiceData{ServiceInfo: model.ServiceInfo{ServiceID: serviceID}}

	path, err := d.svcmgr.GetServicePath(serviceID)
	if err != nil {
		data.Broken = true
		return data
	}
	version, err := d.svcmgr.GetServiceVersion(serviceID)
	if err != nil {
		data.Broken = true
		return data
	}
	data.Path = path
	data.Version = version
	return data
}

// buildStartJob returns a workerpool.Job that starts ident per spec
// §4.2: look up the service, produce the OCI spec, ask the runner to
// start it, then write the resulting Instance record atomically.
func (d *Dispatcher) buildStartJob(ctx context.Context, ident model.InstanceIdent, info model.InstanceInfo, logger zerolog.Logger) workerpool.Job {
	return workerpool.Job{
		Ident: ident,
		Run: func() {
			now := time.Now()
			data := d.resolveService(ident.ServiceID)

			d.stateMu.Lock()
			d.cache.Put(ident, data)
			d.stateMu.Unlock()

			inst := &model.Instance{Ident: ident, Desired: info, State: model.StateCreated, ServiceVersion: data.Version, UpdatedAt: now}

			if data.Broken {
				d.finishFailedStart(inst, model.FailureBrokenService, "service artifact unavailable", now, logger)
				return
			}

			overlay := d.overrides.Resolve(ident, now)
			spec, err := d.producer.Produce(info, data.Path, overlay)
			if err != nil {
				d.finishFailedStart(inst, model.FailureInvalidSpec, err.Error(), now, logger)
				return
			}

			inst.Overlay = overlay

			status, err := d.runnerImpl.Start(ctx, info, spec)
			inst.Transition(model.StateStarting, model.FailureNone, "", now)
			if err != nil {
				inst.Transition(model.StateFailed, model.FailureRunner, err.Error(), now)
				d.writeInstance(inst)
				metrics.InstancesStartedTotal.WithLabelValues("failed").Inc()
				logger.Warn().Str("instance_id", ident.String()).Err(err).Msg("runner rejected start")
				return
			}

			inst.Transition(status.State, status.Failure, status.Error, now)
			d.writeInstance(inst)

			outcome := "started"
			if inst.State == model.StateFailed {
				outcome = "failed"
			}
			metrics.InstancesStartedTotal.WithLabelValues(outcome).Inc()
		},
	}
}

func (d *Dispatcher) finishFailedStart(inst *model.Instance, kind model.FailureKind, msg string, now time.Time, logger zerolog.Logger) {
	inst.Transition(model.StateStarting, model.FailureNone, "", now)
	inst.Transition(model.StateFailed, kind, msg, now)
	d.writeInstance(inst)
	metrics.InstancesStartedTotal.WithLabelValues("failed").Inc()
	logger.Warn().Str("instance_id", inst.Ident.String()).Str("failure", string(kind)).Msg("instance start failed")
}

func (d *Dispatcher) writeInstance(inst *model.Instance) {
	d.stateMu.Lock()
	d.instances[inst.Ident] = inst
	d.stateMu.Unlock()
}

// buildStopJob returns a workerpool.Job that stops ident per spec
// §4.2: request the runner to stop it and, on success (including
// ErrAlreadyStopped), transition the record to Stopped.
func (d *Dispatcher) buildStopJob(ctx context.Context, ident model.InstanceIdent, logger zerolog.Logger) workerpool.Job {
	return workerpool.Job{
		Ident: ident,
		Run: func() {
			now := time.Now()

			d.stateMu.Lock()
			if inst, ok := d.instances[ident]; ok {
				inst.Transition(model.StateStopping, model.FailureNone, "", now)
			}
			d.stateMu.Unlock()

			err := d.runnerImpl.Stop(ctx, ident)
			success := err == nil || errors.Is(err, runner.ErrAlreadyStopped)

			d.stateMu.Lock()
			if inst, ok := d.instances[ident]; ok {
				if success {
					inst.Transition(model.StateStopped, model.FailureNone, "", now)
				} else {
					inst.Transition(model.StateFailed, model.FailureRunner, err.Error(), now)
				}
				d.cache.Release(ident, inst.Desired.Ident.ServiceID)
			}
			d.stateMu.Unlock()

			outcome := "stopped"
			if !success {
				outcome = "failed"
				logger.Warn().Str("instance_id", ident.String()).Err(err).Msg("runner rejected stop")
			}
			metrics.InstancesStoppedTotal.WithLabelValues(outcome).Inc()
		},
	}
}
