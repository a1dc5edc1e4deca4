package runner

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/model"
)

const (
	namespace      = "edgelauncher"
	stopTimeout    = 10 * time.Second
	defaultSocket  = "/run/containerd/containerd.sock"
	containerdKind = "containerd"
)

// ContainerdRunner drives instances as containerd tasks: Start creates a
// container from the instance's OCI spec and launches a task on it with
// containerd's bundled runtime shim; Stop sends SIGTERM, waits up to
// stopTimeout, then SIGKILLs.
//
// Grounded on pkg/runtime/containerd.go's StartContainer/StopContainer,
// generalized from Container-typed records keyed by container ID to
// Runner's InstanceIdent/InstanceInfo/*specs.Spec contract: the instance
// record already carries everything that OCI spec needs, so there is no
// separate "create, then start" step exposed to the dispatcher.
type ContainerdRunner struct {
	client *containerd.Client
}

// NewContainerdRunner dials socketPath (defaulting to the standard
// containerd socket) and returns a ContainerdRunner bound to a
// dedicated namespace.
func NewContainerdRunner(socketPath string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = defaultSocket
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runner: connect to containerd: %w", err)
	}
	return &ContainerdRunner{client: client}, nil
}

// Close releases the underlying containerd client connection.
func (r *ContainerdRunner) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Start implements Runner by creating a container rooted at spec and
// running it as a task. Each container is named by the instance's
// identity string, so a stale container left under that name makes
// NewContainer fail and the start is reported as a runner failure.
func (r *ContainerdRunner) Start(ctx context.Context, info model.InstanceInfo, spec *specs.Spec) (model.RunStatus, error) {
	ctx = namespaces.WithNamespace(ctx, namespace)
	containerID := info.Ident.String()

	container, err := r.client.NewContainer(ctx, containerID, containerd.WithSpec(spec))
	if err != nil {
		return model.RunStatus{Ident: info.Ident, State: model.StateFailed, Failure: model.FailureRunner, Error: err.Error()},
			fmt.Errorf("runner: create container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return model.RunStatus{Ident: info.Ident, State: model.StateFailed, Failure: model.FailureRunner, Error: err.Error()},
			fmt.Errorf("runner: create task %s: %w", containerID, err)
	}

	if err := task.Start(ctx); err != nil {
		return model.RunStatus{Ident: info.Ident, State: model.StateFailed, Failure: model.FailureRunner, Error: err.Error()},
			fmt.Errorf("runner: start task %s: %w", containerID, err)
	}

	return model.RunStatus{Ident: info.Ident, State: model.StateRunning}, nil
}

// Stop implements Runner: SIGTERM, wait up to stopTimeout, SIGKILL,
// then delete the task and container. A container that no longer
// exists is reported as ErrAlreadyStopped.
func (r *ContainerdRunner) Stop(ctx context.Context, ident model.InstanceIdent) error {
	ctx = namespaces.WithNamespace(ctx, namespace)
	containerID := ident.String()

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return ErrAlreadyStopped
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means nothing is running; still remove the container record.
		if delErr := container.Delete(ctx, containerd.WithSnapshotCleanup); delErr != nil {
			log.WithComponent("runner").Warn().Err(delErr).Str("instance_id", containerID).Msg("failed to delete taskless container")
		}
		return ErrAlreadyStopped
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("runner: SIGTERM task %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("runner: wait task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("runner: SIGKILL task %s: %w", containerID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("runner: delete task %s: %w", containerID, err)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("runner: delete container %s: %w", containerID, err)
	}
	return nil
}
