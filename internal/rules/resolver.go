package rules

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// ErrNoEffectiveRule is returned when no version of a rule covers the
// requested business date. Callers must block the affected group with
// reason RULE_VERSION_GAP rather than silently using the nearest version.
var ErrNoEffectiveRule = eris.New("rules: no effective rule version for date")

// ErrOverlappingVersions is returned when a new version's interval overlaps
// an existing one for the same (type, identifier).
var ErrOverlappingVersions = eris.New("rules: effective intervals overlap")

// ErrVersionNotMonotonic is returned when a new version number does not
// strictly increase.
var ErrVersionNotMonotonic = eris.New("rules: version number must increase")

// Resolver holds all known rule versions and answers point-in-time lookups.
// It is safe for concurrent reads once built; construction maintains the
// non-overlap invariant instead of relying on runtime checks alone.
type Resolver struct {
	tolerance map[string][]ToleranceRule
	matching  map[string][]MatchingRule
	reasons   map[string][]ReasonCode
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		tolerance: make(map[string][]ToleranceRule),
		matching:  make(map[string][]MatchingRule),
		reasons:   make(map[string][]ReasonCode),
	}
}

// AddTolerance registers a tolerance-rule version. An open-ended prior
// version is closed at the new version's effective_from; any other overlap
// is rejected.
func (r *Resolver) AddTolerance(rule ToleranceRule) error {
	versions := r.tolerance[rule.ID]
	closed, err := admitVersion(versionsInfo(versions), rule.VersionInfo)
	if err != nil {
		return eris.Wrapf(err, "tolerance rule %s v%d", rule.ID, rule.Version)
	}
	if closed >= 0 {
		versions[closed].EffectiveTo = rule.EffectiveFrom
	}
	r.tolerance[rule.ID] = append(versions, rule)
	sortByVersion(r.tolerance[rule.ID], func(t ToleranceRule) int { return t.Version })
	return nil
}

// AddMatching registers a matching-rule version under the same invariant.
func (r *Resolver) AddMatching(rule MatchingRule) error {
	versions := r.matching[rule.ID]
	closed, err := admitVersion(versionsInfoM(versions), rule.VersionInfo)
	if err != nil {
		return eris.Wrapf(err, "matching rule %s v%d", rule.ID, rule.Version)
	}
	if closed >= 0 {
		versions[closed].EffectiveTo = rule.EffectiveFrom
	}
	r.matching[rule.ID] = append(versions, rule)
	sortByVersion(r.matching[rule.ID], func(m MatchingRule) int { return m.Version })
	return nil
}

// AddReasonCode registers a reason-code version under the same invariant.
func (r *Resolver) AddReasonCode(rc ReasonCode) error {
	versions := r.reasons[rc.Code]
	closed, err := admitVersion(versionsInfoR(versions), rc.VersionInfo)
	if err != nil {
		return eris.Wrapf(err, "reason code %s v%d", rc.Code, rc.Version)
	}
	if closed >= 0 {
		versions[closed].EffectiveTo = rc.EffectiveFrom
	}
	r.reasons[rc.Code] = append(versions, rc)
	sortByVersion(r.reasons[rc.Code], func(c ReasonCode) int { return c.Version })
	return nil
}

// ResolveTolerance selects the tolerance-rule version effective at the
// business date.
func (r *Resolver) ResolveTolerance(id string, businessDate time.Time) (*ToleranceRule, error) {
	for i := range r.tolerance[id] {
		if r.tolerance[id][i].Covers(businessDate) {
			rule := r.tolerance[id][i]
			return &rule, nil
		}
	}
	return nil, eris.Wrapf(ErrNoEffectiveRule, "tolerance %s at %s", id, businessDate.Format(time.DateOnly))
}

// ResolveMatching selects the matching-rule version effective at the
// business date.
func (r *Resolver) ResolveMatching(id string, businessDate time.Time) (*MatchingRule, error) {
	for i := range r.matching[id] {
		if r.matching[id][i].Covers(businessDate) {
			rule := r.matching[id][i]
			return &rule, nil
		}
	}
	return nil, eris.Wrapf(ErrNoEffectiveRule, "matching %s at %s", id, businessDate.Format(time.DateOnly))
}

// ResolveReasonCode selects the reason-code version effective at the
// business date.
func (r *Resolver) ResolveReasonCode(code string, businessDate time.Time) (*ReasonCode, error) {
	for i := range r.reasons[code] {
		if r.reasons[code][i].Covers(businessDate) {
			rc := r.reasons[code][i]
			return &rc, nil
		}
	}
	return nil, eris.Wrapf(ErrNoEffectiveRule, "reason code %s at %s", code, businessDate.Format(time.DateOnly))
}

// MatchingRuleIDs returns all known matching-rule identifiers in stable
// (sorted) order, so tie-breaking is total across runs.
func (r *Resolver) MatchingRuleIDs() []string {
	ids := make([]string, 0, len(r.matching))
	for id := range r.matching {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// admitVersion enforces monotonic version numbers and non-overlapping
// intervals. It returns the index of an open-ended prior version the caller
// must close at the new effective_from, or -1.
func admitVersion(existing []VersionInfo, next VersionInfo) (closeIdx int, err error) {
	closeIdx = -1
	for i, v := range existing {
		if next.Version <= v.Version {
			return -1, ErrVersionNotMonotonic
		}
		if v.EffectiveTo.IsZero() {
			// Open-ended prior version: admissible only if the new one
			// starts after it, and we close it at the boundary.
			if !next.EffectiveFrom.After(v.EffectiveFrom) {
				return -1, ErrOverlappingVersions
			}
			closeIdx = i
			continue
		}
		if overlaps(v, next) {
			return -1, ErrOverlappingVersions
		}
	}
	return closeIdx, nil
}

func overlaps(a, b VersionInfo) bool {
	aEnd := a.EffectiveTo
	bEnd := b.EffectiveTo
	if !bEnd.IsZero() && !bEnd.After(a.EffectiveFrom) {
		return false
	}
	if !aEnd.IsZero() && !aEnd.After(b.EffectiveFrom) {
		return false
	}
	return true
}

func sortByVersion[T any](s []T, version func(T) int) {
	sort.Slice(s, func(i, j int) bool { return version(s[i]) < version(s[j]) })
}

func versionsInfo(s []ToleranceRule) []VersionInfo {
	out := make([]VersionInfo, len(s))
	for i, v := range s {
		out[i] = v.VersionInfo
	}
	return out
}

func versionsInfoM(s []MatchingRule) []VersionInfo {
	out := make([]VersionInfo, len(s))
	for i, v := range s {
		out[i] = v.VersionInfo
	}
	return out
}

func versionsInfoR(s []ReasonCode) []VersionInfo {
	out := make([]VersionInfo, len(s))
	for i, v := range s {
		out[i] = v.VersionInfo
	}
	return out
}
