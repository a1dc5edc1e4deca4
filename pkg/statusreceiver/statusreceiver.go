// Package statusreceiver defines the upstream status-publication
// contract (spec §6): a full snapshot at the end of every reconcile
// cycle, and deltas for async status changes outside cycles.
// LoggingReceiver is a reference binding that structured-logs both;
// a production host binary would replace it with a real control-plane
// client, left outside this repository's scope (spec §1).
package statusreceiver

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/model"
)

// StatusReceiver is the upstream sink for instance status.
type StatusReceiver interface {
	InstancesRunStatus(ctx context.Context, snapshot []model.InstanceStatus) error
	InstancesUpdateStatus(ctx context.Context, delta []model.InstanceStatus) error
}

// LoggingReceiver logs every published snapshot/delta at info level
// instead of forwarding it anywhere, so the dispatcher's publish step
// is exercisable without a real control-plane connection.
type LoggingReceiver struct {
	logger zerolog.Logger
}

// NewLoggingReceiver returns a LoggingReceiver.
func NewLoggingReceiver() *LoggingReceiver {
	return &LoggingReceiver{logger: log.WithComponent("statusreceiver")}
}

// InstancesRunStatus implements StatusReceiver.
func (r *LoggingReceiver) InstancesRunStatus(_ context.Context, snapshot []model.InstanceStatus) error {
	evt := r.logger.Info().Int("count", len(snapshot))
	for _, s := range snapshot {
		evt = evt.Str(s.Ident.String(), string(s.State))
	}
	evt.Msg("instances_run_status")
	return nil
}

// InstancesUpdateStatus implements StatusReceiver.
func (r *LoggingReceiver) InstancesUpdateStatus(_ context.Context, delta []model.InstanceStatus) error {
	evt := r.logger.Info().Int("count", len(delta))
	for _, s := range delta {
		evt = evt.Str(s.Ident.String(), string(s.State))
	}
	evt.Msg("instances_update_status")
	return nil
}
