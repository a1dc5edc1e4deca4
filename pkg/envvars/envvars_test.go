package envvars

import (
	"testing"
	"time"

	"github.com/cuemby/edgelauncher/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ident(service, subject string, idx uint32) model.InstanceIdent {
	return model.InstanceIdent{ServiceID: service, SubjectID: subject, InstanceIndex: idx}
}

func uint32p(v uint32) *uint32 { return &v }

func TestResolve_SpecificityWins(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := ident("svc1", "sub1", 0)

	overrides := []model.OverrideEnvVar{
		{Selector: model.InstanceSelector{}, Name: "LOG_LEVEL", Value: "info"},
		{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "LOG_LEVEL", Value: "debug"},
		{Selector: model.InstanceSelector{ServiceID: "svc1", SubjectID: "sub1", InstanceIndex: uint32p(0)}, Name: "LOG_LEVEL", Value: "trace"},
	}

	set := NewSet(overrides)
	resolved := set.Resolve(id, now)

	require.Contains(t, resolved, "LOG_LEVEL")
	assert.Equal(t, "trace", resolved["LOG_LEVEL"])
}

func TestResolve_LaterWinsOnEqualSpecificity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := ident("svc1", "sub1", 0)

	overrides := []model.OverrideEnvVar{
		{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "MODE", Value: "first"},
		{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "MODE", Value: "second"},
	}

	set := NewSet(overrides)
	resolved := set.Resolve(id, now)

	assert.Equal(t, "second", resolved["MODE"])
}

func TestResolve_ExpiredDropped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	past := now.Add(-time.Hour)
	id := ident("svc1", "sub1", 0)

	overrides := []model.OverrideEnvVar{
		{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "TTL_VAR", Value: "stale", Expiry: &past},
	}

	set := NewSet(overrides)
	resolved := set.Resolve(id, now)

	assert.NotContains(t, resolved, "TTL_VAR")
}

func TestResolve_NonMatchingSelectorIgnored(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := ident("svc1", "sub1", 0)

	overrides := []model.OverrideEnvVar{
		{Selector: model.InstanceSelector{ServiceID: "other-svc"}, Name: "VAR", Value: "x"},
	}

	set := NewSet(overrides)
	resolved := set.Resolve(id, now)

	assert.Empty(t, resolved)
}

func TestResolve_InvalidEntrySkipped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := ident("svc1", "sub1", 0)

	overrides := []model.OverrideEnvVar{
		{Selector: model.InstanceSelector{}, Name: "1BAD", Value: "x"},
		{Selector: model.InstanceSelector{}, Name: "GOOD", Value: "y"},
	}

	set := NewSet(overrides)
	resolved := set.Resolve(id, now)

	assert.NotContains(t, resolved, "1BAD")
	assert.Equal(t, "y", resolved["GOOD"])
}

func TestStatus(t *testing.T) {
	now := time.Unix(1700000000, 0)
	past := now.Add(-time.Hour)
	id := ident("svc1", "sub1", 0)

	set := NewSet(nil)

	applied := model.OverrideEnvVar{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "OK", Value: "v"}
	assert.Equal(t, model.EnvVarApplied, set.Status(applied, id, now))

	notFound := model.OverrideEnvVar{Selector: model.InstanceSelector{ServiceID: "other"}, Name: "OK", Value: "v"}
	assert.Equal(t, model.EnvVarNotFound, set.Status(notFound, id, now))

	expired := model.OverrideEnvVar{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "OK", Value: "v", Expiry: &past}
	assert.Equal(t, model.EnvVarNotFound, set.Status(expired, id, now))

	invalid := model.OverrideEnvVar{Selector: model.InstanceSelector{ServiceID: "svc1"}, Name: "1BAD", Value: "v"}
	assert.Equal(t, model.EnvVarInvalid, set.Status(invalid, id, now))
}

func TestValidateNameAndValue(t *testing.T) {
	assert.True(t, ValidateName("FOO_BAR"))
	assert.True(t, ValidateName("_private"))
	assert.False(t, ValidateName("1FOO"))
	assert.False(t, ValidateName(""))
	assert.False(t, ValidateName("FOO-BAR"))

	assert.True(t, ValidateValue("hello world"))
	assert.False(t, ValidateValue("bad\x00value"))
}
