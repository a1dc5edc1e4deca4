// Package envvars resolves the environment overlay applied to a single
// instance from the control plane's flat override set, per spec §4.4:
// each override names a selector (an InstanceSelector) and applies to
// every instance the selector matches, with more specific selectors
// winning ties.
//
// Grounded on the explicit per-field validation style of
// pkg/worker/secrets.go (validate, then apply) generalized from mount
// validation to name/value validation.
package envvars

import (
	"regexp"
	"sort"
	"time"

	"github.com/cuemby/edgelauncher/pkg/model"
)

const (
	maxNameBytes  = 256
	maxValueBytes = 32768
)

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName reports whether name is an acceptable environment
// variable name: it must match `^[A-Za-z_][A-Za-z0-9_]*$` and be at
// most 256 bytes.
func ValidateName(name string) bool {
	if len(name) == 0 || len(name) > maxNameBytes {
		return false
	}
	return nameRE.MatchString(name)
}

// ValidateValue reports whether value is an acceptable environment
// variable value: no NUL byte, at most 32768 bytes.
func ValidateValue(value string) bool {
	if len(value) > maxValueBytes {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] == 0 {
			return false
		}
	}
	return true
}

// Set holds the current override env-var set, as last delivered by
// OverrideEnvVars.
type Set struct {
	overrides []model.OverrideEnvVar
}

// NewSet builds a Set from the control plane's override slice. The
// slice's order is preserved for "later wins" tie-breaking.
func NewSet(overrides []model.OverrideEnvVar) *Set {
	cp := make([]model.OverrideEnvVar, len(overrides))
	copy(cp, overrides)
	return &Set{overrides: cp}
}

// candidate is one surviving (non-expired, validated) override matched
// against the target instance, tracked with its input-order index for
// tie-breaking.
type candidate struct {
	override model.OverrideEnvVar
	index    int
}

// Resolve computes the environment overlay for ident: for each
// variable name with at least one matching, non-expired, valid
// override, the highest-specificity match wins; among equally specific
// matches the one later in the input slice wins. Every entry has its
// own slice position, so the result depends on slice order; NewSet and
// Raw both keep that order, so a set persisted through Raw and reloaded
// with NewSet resolves the same way.
func (s *Set) Resolve(ident model.InstanceIdent, now time.Time) map[string]string {
	byName := make(map[string]candidate)

	for i, o := range s.overrides {
		if !o.Selector.Matches(ident) {
			continue
		}
		if o.Expired(now) {
			continue
		}
		if !ValidateName(o.Name) || !ValidateValue(o.Value) {
			continue
		}

		cand := candidate{override: o, index: i}
		existing, ok := byName[o.Name]
		if !ok || wins(cand, existing) {
			byName[o.Name] = cand
		}
	}

	result := make(map[string]string, len(byName))
	for name, c := range byName {
		result[name] = c.override.Value
	}
	return result
}

// wins reports whether a should replace b as the resolved value for a
// shared variable name.
func wins(a, b candidate) bool {
	as, bs := a.override.Selector.Specificity(), b.override.Selector.Specificity()
	if as != bs {
		return as > bs
	}
	if a.index != b.index {
		return a.index > b.index
	}
	aSel, bSel := a.override.Selector.String(), b.override.Selector.String()
	if aSel != bSel {
		return aSel > bSel
	}
	return a.override.Name > b.override.Name
}

// Status reports the resolution status of a single override against
// ident, per spec §4.4's Applied/Invalid/NotFound vocabulary.
func (s *Set) Status(o model.OverrideEnvVar, ident model.InstanceIdent, now time.Time) model.EnvVarStatus {
	if !o.Selector.Matches(ident) {
		return model.EnvVarNotFound
	}
	if o.Expired(now) {
		return model.EnvVarNotFound
	}
	if !ValidateName(o.Name) || !ValidateValue(o.Value) {
		return model.EnvVarInvalid
	}
	return model.EnvVarApplied
}

// Raw returns the override set in its original order, for persistence.
func (s *Set) Raw() []model.OverrideEnvVar {
	cp := make([]model.OverrideEnvVar, len(s.overrides))
	copy(cp, s.overrides)
	return cp
}

// Len reports the number of overrides currently held.
func (s *Set) Len() int {
	return len(s.overrides)
}

// SortedSelectors returns the distinct selector strings present in the
// set, sorted lexically; used by callers that need a deterministic
// listing (e.g. logging a summary of the active override set).
func (s *Set) SortedSelectors() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range s.overrides {
		key := o.Selector.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
