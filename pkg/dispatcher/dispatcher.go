// Package dispatcher implements the launcher's single-threaded
// reconciler: it ingests goal state, computes the start/stop diff,
// schedules work onto the worker pool, and aggregates status, exactly
// as spec §4.1 describes. It is the core's largest component.
//
// Grounded on pkg/reconciler/reconciler.go's shape (one mutex guarding
// one reconcile-shaped method, a logger/stopCh pair) and
// pkg/scheduler/scheduler.go's priority-ordered creation loop and
// metrics.NewTimer() cycle timing; generalized from a ticker-driven
// cluster scheduler to a request-driven single-node reconciler.
package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/edgelauncher/pkg/conn"
	"github.com/cuemby/edgelauncher/pkg/conngate"
	"github.com/cuemby/edgelauncher/pkg/envvars"
	"github.com/cuemby/edgelauncher/pkg/errs"
	"github.com/cuemby/edgelauncher/pkg/log"
	"github.com/cuemby/edgelauncher/pkg/metrics"
	"github.com/cuemby/edgelauncher/pkg/model"
	"github.com/cuemby/edgelauncher/pkg/ocispec"
	"github.com/cuemby/edgelauncher/pkg/runner"
	"github.com/cuemby/edgelauncher/pkg/servicecache"
	"github.com/cuemby/edgelauncher/pkg/servicemanager"
	"github.com/cuemby/edgelauncher/pkg/statusagg"
	"github.com/cuemby/edgelauncher/pkg/statusreceiver"
	"github.com/cuemby/edgelauncher/pkg/storage"
	"github.com/cuemby/edgelauncher/pkg/workerpool"
)

// Config bundles the collaborators and tunables a Dispatcher is built
// from. PoolSize defaults to 5 per spec §2; Limits defaults to
// model.DefaultLimits.
type Config struct {
	Runner         runner.Runner
	ServiceManager servicemanager.ServiceManager
	Producer       ocispec.Producer
	Store          storage.Store
	Receiver       statusreceiver.StatusReceiver
	Publisher      conn.Publisher

	PoolSize int
	Limits   model.Limits
}

// Dispatcher is the launcher's reconciliation engine.
type Dispatcher struct {
	// mu serializes the public mutating entry points: RunInstances,
	// OverrideEnvVars, RunLastInstances. Only one may be in progress at
	// a time; others block (spec §5, "no interleaving").
	mu      sync.Mutex
	closing bool

	// stateMu guards instances and cache, held only for map mutation,
	// never across a runner/producer/service-manager call (spec §5).
	stateMu   sync.Mutex
	instances map[model.InstanceIdent]*model.Instance
	cache     *servicecache.Cache
	overrides *envvars.Set

	runnerImpl runner.Runner
	svcmgr     servicemanager.ServiceManager
	producer   ocispec.Producer
	store      storage.Store
	receiver   statusreceiver.StatusReceiver
	publisher  conn.Publisher

	pool   *workerpool.Pool
	agg    *statusagg.Aggregator
	gate   *conngate.Gate
	limits model.Limits
	logger zerolog.Logger

	cancelRunLoop context.CancelFunc
}

// New constructs a Dispatcher from cfg. It does not read persisted
// state or start the background run loop; call Init then Start.
func New(cfg Config) *Dispatcher {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 5
	}
	limits := cfg.Limits
	if limits == (model.Limits{}) {
		limits = model.DefaultLimits
	}

	d := &Dispatcher{
		instances: make(map[model.InstanceIdent]*model.Instance),
		cache:     servicecache.New(),
		overrides: envvars.NewSet(nil),

		runnerImpl: cfg.Runner,
		svcmgr:     cfg.ServiceManager,
		producer:   cfg.Producer,
		store:      cfg.Store,
		receiver:   cfg.Receiver,
		publisher:  cfg.Publisher,

		agg:    statusagg.New(),
		gate:   conngate.New(),
		limits: limits,
		logger: log.WithComponent("dispatcher"),
	}

	queueCap := maxInt(limits.MaxInstances, maxInt(limits.MaxServices, limits.MaxLayers))
	d.pool = workerpool.New(poolSize, queueCap, d.onJobPanic)

	if cfg.Publisher != nil {
		cfg.Publisher.OnConnect(d.gate.OnConnect)
		cfg.Publisher.OnDisconnect(d.gate.OnDisconnect)
	}

	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// onJobPanic is the worker pool's panic handler: if ident already has a
// record in the live instance map, it marks that record Failed(Internal).
// An ident with no live record (a first start that panicked) gets no
// record. The panic never escapes the pool.
func (d *Dispatcher) onJobPanic(ident model.InstanceIdent, _ any) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if inst, ok := d.instances[ident]; ok {
		inst.Failure = model.FailureInternal
		inst.LastError = "worker panic"
		inst.State = model.StateFailed
		inst.Generation++
		inst.UpdatedAt = time.Now()
	}
}

// Init reads the persisted operation version and purges all persisted
// instance records if it is behind model.CurrentOperationVersion (spec
// §6), then loads the persisted override set. It does not itself
// replay instances; call RunLastInstances (directly, or via Start plus
// the first connect) to do that.
func (d *Dispatcher) Init(ctx context.Context) error {
	persistedVersion, err := d.store.GetOperationVersion()
	if err != nil {
		return errs.Wrap(errs.Internal, "Init.GetOperationVersion", err)
	}

	if persistedVersion < model.CurrentOperationVersion {
		if err := d.store.PurgeInstances(); err != nil {
			return errs.Wrap(errs.Internal, "Init.PurgeInstances", err)
		}
		if err := d.store.SetOperationVersion(model.CurrentOperationVersion); err != nil {
			return errs.Wrap(errs.Internal, "Init.SetOperationVersion", err)
		}
		d.logger.Warn().
			Uint64("persisted_version", persistedVersion).
			Uint64("current_version", model.CurrentOperationVersion).
			Msg("operation version behind current, purged persisted instances")
	}

	overrides, err := d.store.GetOverrideEnvVars()
	if err != nil {
		return errs.Wrap(errs.Internal, "Init.GetOverrideEnvVars", err)
	}
	d.stateMu.Lock()
	d.overrides = envvars.NewSet(overrides)
	d.stateMu.Unlock()

	return nil
}

// Start launches the dispatcher's background run loop, which drains
// the connection gate's trigger channel and invokes RunLastInstances
// on the first connect (spec §4.5). Cancel ctx or call Stop to end it.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancelRunLoop = cancel
	go d.runLoop(runCtx)
}

func (d *Dispatcher) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.gate.Triggered():
			if err := d.RunLastInstances(ctx); err != nil {
				d.logger.Error().Err(err).Msg("run_last_instances failed")
			}
		}
	}
}

// Stop sets the closing flag, rejects new submissions, waits for the
// worker pool to drain in-flight jobs, and stops the run loop (spec
// §5, "cancellation / timeout").
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	d.pool.Close()
	d.pool.WaitDrain()

	if d.cancelRunLoop != nil {
		d.cancelRunLoop()
	}
}

// SetCloudConnection forwards the connect/disconnect edge to the
// connection gate. It takes the dispatcher mutex to read the closing
// flag, so it waits while a reconcile holds that mutex; the gate call
// itself never blocks.
func (d *Dispatcher) SetCloudConnection(connected bool) error {
	d.mu.Lock()
	closing := d.closing
	d.mu.Unlock()
	if closing {
		return errs.New(errs.Shutdown, "SetCloudConnection", "dispatcher is shutting down")
	}

	if connected {
		d.gate.OnConnect()
	} else {
		d.gate.OnDisconnect()
	}
	return nil
}

// instanceSnapshot is a deep-enough copy of the live instance map used
// to roll back in-memory state on an infrastructure error (spec §4.7).
type instanceSnapshot map[model.InstanceIdent]model.Instance

func (d *Dispatcher) snapshotLocked() instanceSnapshot {
	snap := make(instanceSnapshot, len(d.instances))
	for ident, inst := range d.instances {
		snap[ident] = *inst
	}
	return snap
}

func (d *Dispatcher) restoreLocked(snap instanceSnapshot, cacheSnap *servicecache.Cache) {
	d.instances = make(map[model.InstanceIdent]*model.Instance, len(snap))
	for ident, inst := range snap {
		v := inst
		d.instances[ident] = &v
	}
	d.cache = cacheSnap
}

// pendingStart pairs an instance's identity with its desired info for
// the start phase.
type pendingStart struct {
	ident model.InstanceIdent
	info  model.InstanceInfo
}

func sortStarts(starts []pendingStart) {
	sort.Slice(starts, func(i, j int) bool {
		if starts[i].info.Priority != starts[j].info.Priority {
			return starts[i].info.Priority > starts[j].info.Priority
		}
		return starts[i].ident.Less(starts[j].ident)
	})
}
