// Package runner defines the contract the launcher core uses to start
// and stop instances on the local process/container runtime. The core
// never talks to a runner directly except through this interface (spec
// §1: the runner is an external collaborator); ContainerdRunner and
// MemoryRunner in this package are concrete bindings a host binary can
// select, not part of the core itself.
package runner

import (
	"context"
	"errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/edgelauncher/pkg/model"
)

// ErrAlreadyStopped is returned by Stop when the instance was already
// stopped; the dispatcher treats this identically to a successful stop
// (spec §4.2, "if stop is reported as AlreadyStopped, treat as
// success").
var ErrAlreadyStopped = errors.New("runner: instance already stopped")

// Runner is the launcher's process/container driver.
type Runner interface {
	// Start launches info using spec and reports the resulting
	// RunStatus. A non-nil error means the request itself could not be
	// made (the dispatcher records Failed(Runner)); a returned
	// RunStatus with State == model.StateFailed is a reported launch
	// failure, not a request error.
	Start(ctx context.Context, info model.InstanceInfo, spec *specs.Spec) (model.RunStatus, error)

	// Stop requests that ident be stopped. Returning ErrAlreadyStopped
	// (or wrapping it) is treated as success.
	Stop(ctx context.Context, ident model.InstanceIdent) error
}
