package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/edgelauncher/pkg/model"
	"github.com/cuemby/edgelauncher/pkg/ocispec"
	"github.com/cuemby/edgelauncher/pkg/runner"
	"github.com/cuemby/edgelauncher/pkg/servicemanager"
)

// fakeStore is an in-memory storage.Store used to exercise the
// dispatcher without a real BoltDB file.
type fakeStore struct {
	mu        sync.Mutex
	instances map[model.InstanceIdent]model.InstanceInfo
	opVersion uint64
	overrides []model.OverrideEnvVar
	onlineAt  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		instances: make(map[model.InstanceIdent]model.InstanceInfo),
		opVersion: model.CurrentOperationVersion,
	}
}

func (s *fakeStore) AddInstance(info model.InstanceInfo) error    { return s.UpdateInstance(info) }
func (s *fakeStore) UpdateInstance(info model.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[info.Ident] = info
	return nil
}
func (s *fakeStore) RemoveInstance(ident model.InstanceIdent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, ident)
	return nil
}
func (s *fakeStore) GetAllInstances() ([]model.InstanceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.InstanceInfo, 0, len(s.instances))
	for _, info := range s.instances {
		out = append(out, info)
	}
	return out, nil
}
func (s *fakeStore) GetOperationVersion() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opVersion, nil
}
func (s *fakeStore) SetOperationVersion(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opVersion = v
	return nil
}
func (s *fakeStore) GetOverrideEnvVars() ([]model.OverrideEnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OverrideEnvVar{}, s.overrides...), nil
}
func (s *fakeStore) SetOverrideEnvVars(overrides []model.OverrideEnvVar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = append([]model.OverrideEnvVar{}, overrides...)
	return nil
}
func (s *fakeStore) GetOnlineTime() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineAt, nil
}
func (s *fakeStore) SetOnlineTime(unixSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineAt = unixSeconds
	return nil
}
func (s *fakeStore) PurgeInstances() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = make(map[model.InstanceIdent]model.InstanceInfo)
	return nil
}
func (s *fakeStore) Close() error { return nil }

// fakeReceiver records every snapshot/delta published to it.
type fakeReceiver struct {
	mu        sync.Mutex
	snapshots [][]model.InstanceStatus
	deltas    [][]model.InstanceStatus
}

func newFakeReceiver() *fakeReceiver { return &fakeReceiver{} }

func (r *fakeReceiver) InstancesRunStatus(_ context.Context, snapshot []model.InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
	return nil
}

func (r *fakeReceiver) InstancesUpdateStatus(_ context.Context, delta []model.InstanceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta)
	return nil
}

func (r *fakeReceiver) lastSnapshot() []model.InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

// failingServiceManager reports failServiceID as broken (its path cannot
// be resolved) and every other service as usual, for exercising the
// partial-failure-isolation path.
type failingServiceManager struct {
	*servicemanager.LocalServiceManager
	failServiceID string
}

func (f *failingServiceManager) GetServicePath(serviceID string) (string, error) {
	if serviceID == f.failServiceID {
		return "", assert.AnError
	}
	return f.LocalServiceManager.GetServicePath(serviceID)
}

func newHarness(t *testing.T) (*Dispatcher, *fakeStore, *fakeReceiver) {
	t.Helper()
	store := newFakeStore()
	receiver := newFakeReceiver()
	svcmgr := servicemanager.NewLocalServiceManager(t.TempDir())

	d := New(Config{
		Runner:         runner.NewMemoryRunner(),
		ServiceManager: svcmgr,
		Producer:       ocispec.NewDefaultProducer(),
		Store:          store,
		Receiver:       receiver,
		PoolSize:       4,
	})
	require.NoError(t, d.Init(context.Background()))
	return d, store, receiver
}

func svc(id, version string) model.ServiceInfo {
	return model.ServiceInfo{ServiceID: id, Version: version}
}

func inst(serviceID, subjectID string, idx uint32, priority int) model.InstanceInfo {
	return model.InstanceInfo{
		Ident:       model.InstanceIdent{ServiceID: serviceID, SubjectID: subjectID, InstanceIndex: idx},
		Priority:    priority,
		StoragePath: "/data/" + serviceID,
		StatePath:   "/state/" + serviceID,
	}
}

func TestRunInstances_Idempotent(t *testing.T) {
	d, _, receiver := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}
	instances := []model.InstanceInfo{inst("svc-a", "subj-1", 0, 0)}

	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))
	first := receiver.lastSnapshot()
	require.Len(t, first, 1)
	assert.Equal(t, model.StateRunning, first[0].State)
	firstGen := first[0].Generation

	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))
	second := receiver.lastSnapshot()
	require.Len(t, second, 1)
	assert.Equal(t, model.StateRunning, second[0].State)
	assert.Equal(t, firstGen, second[0].Generation, "unchanged goal state must not bump generation")
}

func TestRunInstances_Convergence(t *testing.T) {
	d, store, receiver := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1"), svc("svc-b", "v1")}

	require.NoError(t, d.RunInstances(ctx, services, nil, []model.InstanceInfo{
		inst("svc-a", "subj-1", 0, 0),
		inst("svc-b", "subj-1", 0, 0),
	}, false))
	assert.Len(t, receiver.lastSnapshot(), 2)

	// Drop svc-b, add a second svc-a instance.
	require.NoError(t, d.RunInstances(ctx, services, nil, []model.InstanceInfo{
		inst("svc-a", "subj-1", 0, 0),
		inst("svc-a", "subj-2", 0, 0),
	}, false))

	final := receiver.lastSnapshot()
	require.Len(t, final, 2)
	idents := map[string]bool{}
	for _, s := range final {
		idents[s.Ident.String()] = true
	}
	assert.True(t, idents["svc-a/subj-1/0"])
	assert.True(t, idents["svc-a/subj-2/0"])
	assert.False(t, idents["svc-b/subj-1/0"])

	// The persisted set must match the live set exactly (spec §3): the
	// dropped svc-b record must not linger in storage, or a later boot's
	// run_last_instances would resurrect it.
	persisted, err := store.GetAllInstances()
	require.NoError(t, err)
	persistedIdents := map[string]bool{}
	for _, info := range persisted {
		persistedIdents[info.Ident.String()] = true
	}
	assert.Equal(t, idents, persistedIdents)
}

func TestRunInstances_SerializesConcurrentCalls(t *testing.T) {
	d, _, _ := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}
	instances := []model.InstanceInfo{inst("svc-a", "subj-1", 0, 0)}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.RunInstances(ctx, services, nil, instances, false)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestReconcile_StopsBeforeStarts(t *testing.T) {
	d, _, _ := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}

	require.NoError(t, d.RunInstances(ctx, services, nil, []model.InstanceInfo{
		inst("svc-a", "subj-1", 0, 0),
	}, false))

	mr := d.runnerImpl.(*runner.MemoryRunner)
	assert.True(t, mr.IsRunning(model.InstanceIdent{ServiceID: "svc-a", SubjectID: "subj-1", InstanceIndex: 0}))

	// Force restart: the old task must be stopped before MemoryRunner
	// would report the new one as running (it re-derives from the same
	// ident, so this mainly asserts the cycle completes cleanly with a
	// live runner in between).
	require.NoError(t, d.RunInstances(ctx, services, nil, []model.InstanceInfo{
		inst("svc-a", "subj-1", 0, 0),
	}, true))
	assert.True(t, mr.IsRunning(model.InstanceIdent{ServiceID: "svc-a", SubjectID: "subj-1", InstanceIndex: 0}))
}

func TestReconcile_PriorityOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	starts := make([]pendingStart, 0)
	for i, p := range []int{1, 5, 3} {
		starts = append(starts, pendingStart{
			ident: model.InstanceIdent{ServiceID: "svc", SubjectID: "s", InstanceIndex: uint32(i)},
			info:  model.InstanceInfo{Priority: p},
		})
	}
	sortStarts(starts)
	for _, s := range starts {
		mu.Lock()
		order = append(order, s.ident.String())
		mu.Unlock()
	}
	require.Len(t, order, 3)
	assert.Equal(t, "svc/s/1", order[0], "priority 5 first")
	assert.Equal(t, "svc/s/2", order[1], "priority 3 second")
	assert.Equal(t, "svc/s/0", order[2], "priority 1 last")
}

func TestReconcile_PartialFailureIsolation(t *testing.T) {
	store := newFakeStore()
	receiver := newFakeReceiver()
	baseSvcmgr := servicemanager.NewLocalServiceManager(t.TempDir())
	svcmgr := &failingServiceManager{LocalServiceManager: baseSvcmgr, failServiceID: "svc-bad"}

	d := New(Config{
		Runner:         runner.NewMemoryRunner(),
		ServiceManager: svcmgr,
		Producer:       ocispec.NewDefaultProducer(),
		Store:          store,
		Receiver:       receiver,
		PoolSize:       4,
	})
	require.NoError(t, d.Init(context.Background()))

	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-good", "v1"), svc("svc-bad", "v1")}
	instances := []model.InstanceInfo{
		inst("svc-good", "subj-1", 0, 0),
		inst("svc-bad", "subj-1", 0, 0),
	}

	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))

	snapshot := receiver.lastSnapshot()
	require.Len(t, snapshot, 2)
	byIdent := map[string]model.InstanceStatus{}
	for _, s := range snapshot {
		byIdent[s.Ident.String()] = s
	}
	assert.Equal(t, model.StateRunning, byIdent["svc-good/subj-1/0"].State)
	assert.Equal(t, model.StateFailed, byIdent["svc-bad/subj-1/0"].State)
	assert.Equal(t, model.FailureBrokenService, byIdent["svc-bad/subj-1/0"].Failure)
}

func TestRunLastInstances_MatchesPersisted(t *testing.T) {
	d, store, receiver := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}
	instances := []model.InstanceInfo{inst("svc-a", "subj-1", 0, 0)}

	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))

	persisted, err := store.GetAllInstances()
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	require.NoError(t, d.RunLastInstances(ctx))
	snapshot := receiver.lastSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, persisted[0].Ident, snapshot[0].Ident)
	assert.Equal(t, model.StateRunning, snapshot[0].State)
}

func TestInit_PurgesOnLowOpVersion(t *testing.T) {
	store := newFakeStore()
	store.opVersion = model.CurrentOperationVersion - 1
	require.NoError(t, store.UpdateInstance(inst("svc-a", "subj-1", 0, 0)))

	d := New(Config{
		Runner:         runner.NewMemoryRunner(),
		ServiceManager: servicemanager.NewLocalServiceManager(t.TempDir()),
		Producer:       ocispec.NewDefaultProducer(),
		Store:          store,
		Receiver:       newFakeReceiver(),
	})
	require.NoError(t, d.Init(context.Background()))

	persisted, err := store.GetAllInstances()
	require.NoError(t, err)
	assert.Empty(t, persisted, "purge must drop stale persisted instances")

	v, err := store.GetOperationVersion()
	require.NoError(t, err)
	assert.Equal(t, model.CurrentOperationVersion, v)
}

func TestOverrideEnvVars_RestartsAffectedInstances(t *testing.T) {
	d, _, receiver := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}
	instances := []model.InstanceInfo{inst("svc-a", "subj-1", 0, 0)}
	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))

	before := len(receiver.snapshots)

	statuses, err := d.OverrideEnvVars(ctx, []model.OverrideEnvVar{
		{Selector: model.InstanceSelector{ServiceID: "svc-a"}, Name: "FOO", Value: "bar"},
		{Selector: model.InstanceSelector{ServiceID: "svc-missing"}, Name: "FOO", Value: "bar"},
		{Selector: model.InstanceSelector{}, Name: "1INVALID", Value: "bar"},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, model.EnvVarApplied, statuses[0])
	assert.Equal(t, model.EnvVarNotFound, statuses[1])
	assert.Equal(t, model.EnvVarInvalid, statuses[2])

	assert.Greater(t, len(receiver.snapshots), before, "a matched override must trigger a restart publish")
}

func TestUpdateRunStatus_DropsUnknownIdent(t *testing.T) {
	d, _, receiver := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}
	instances := []model.InstanceInfo{inst("svc-a", "subj-1", 0, 0)}
	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))

	before := len(receiver.deltas)
	err := d.UpdateRunStatus(ctx, []model.RunStatus{
		{Ident: model.InstanceIdent{ServiceID: "nope", SubjectID: "nope"}, State: model.StateFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, before, len(receiver.deltas), "unknown ident must not publish a delta")

	err = d.UpdateRunStatus(ctx, []model.RunStatus{
		{Ident: model.InstanceIdent{ServiceID: "svc-a", SubjectID: "subj-1", InstanceIndex: 0}, State: model.StateFailed, Failure: model.FailureRunner, Error: "crashed"},
	})
	require.NoError(t, err)
	require.Greater(t, len(receiver.deltas), before)
	last := receiver.deltas[len(receiver.deltas)-1]
	require.Len(t, last, 1)
	assert.Equal(t, model.StateFailed, last[0].State)
}

func TestDispatcher_StopDrainsPool(t *testing.T) {
	d, _, _ := newHarness(t)
	ctx := context.Background()
	services := []model.ServiceInfo{svc("svc-a", "v1")}
	instances := []model.InstanceInfo{inst("svc-a", "subj-1", 0, 0)}
	require.NoError(t, d.RunInstances(ctx, services, nil, instances, false))

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}

	err := d.RunInstances(ctx, services, nil, instances, false)
	assert.Error(t, err, "RunInstances after Stop must be rejected")
}
