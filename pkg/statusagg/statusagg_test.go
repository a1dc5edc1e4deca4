package statusagg

import (
	"testing"
	"time"

	"github.com/cuemby/edgelauncher/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstance(ident model.InstanceIdent, state model.InstanceState) *model.Instance {
	return &model.Instance{Ident: ident, State: state}
}

func TestApply_UnknownIdentDropped(t *testing.T) {
	a := New()
	instances := map[model.InstanceIdent]*model.Instance{}

	_, ok, publishNow := a.Apply(instances, model.RunStatus{
		Ident: model.InstanceIdent{ServiceID: "svc1", SubjectID: "sub1"},
		State: model.StateRunning,
	}, time.Now())

	assert.False(t, ok)
	assert.False(t, publishNow)
}

func TestApply_PublishesImmediatelyOutsideCycle(t *testing.T) {
	a := New()
	id := model.InstanceIdent{ServiceID: "svc1", SubjectID: "sub1"}
	instances := map[model.InstanceIdent]*model.Instance{
		id: newInstance(id, model.StateStarting),
	}

	delta, ok, publishNow := a.Apply(instances, model.RunStatus{Ident: id, State: model.StateRunning}, time.Now())

	require.True(t, ok)
	assert.True(t, publishNow)
	assert.Equal(t, model.StateRunning, delta.State)
	assert.Equal(t, uint64(1), delta.Generation)
}

func TestApply_BufferedDuringActiveCycle(t *testing.T) {
	a := New()
	id := model.InstanceIdent{ServiceID: "svc1", SubjectID: "sub1"}
	instances := map[model.InstanceIdent]*model.Instance{
		id: newInstance(id, model.StateStarting),
	}

	a.BeginCycle()
	_, ok, publishNow := a.Apply(instances, model.RunStatus{Ident: id, State: model.StateRunning}, time.Now())

	require.True(t, ok)
	assert.False(t, publishNow)
	assert.Equal(t, 1, a.Pending())

	drained := a.EndCycle()
	require.Len(t, drained, 1)
	assert.Equal(t, model.StateRunning, drained[0].State)
	assert.Equal(t, 0, a.Pending())
}
