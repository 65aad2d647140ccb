package rules

import (
	"time"

	"github.com/rotisserie/eris"
)

// Snapshot is the rule state resolved once for a run's business date and
// immutable for the run's duration. Concurrent runs spanning a rule-version
// boundary legitimately hold different snapshots.
type Snapshot struct {
	BusinessDate time.Time
	Matching     []MatchingRule
	Tolerance    map[string]ToleranceRule // by rule id
	Reasons      map[string]ReasonCode    // by code
}

// SnapshotAt resolves every rule family at the business date. Matching
// rules without coverage at the date are simply absent from the snapshot;
// tolerance lookups hitting a gap surface ErrNoEffectiveRule at detection
// time so the affected group blocks instead of the run failing.
func (r *Resolver) SnapshotAt(businessDate time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		BusinessDate: businessDate,
		Tolerance:    make(map[string]ToleranceRule),
		Reasons:      make(map[string]ReasonCode),
	}

	for _, id := range r.MatchingRuleIDs() {
		m, err := r.ResolveMatching(id, businessDate)
		if err != nil {
			if eris.Is(err, ErrNoEffectiveRule) {
				continue
			}
			return nil, err
		}
		snap.Matching = append(snap.Matching, *m)
	}

	for id := range r.tolerance {
		t, err := r.ResolveTolerance(id, businessDate)
		if err != nil {
			if eris.Is(err, ErrNoEffectiveRule) {
				continue
			}
			return nil, err
		}
		snap.Tolerance[id] = *t
	}

	for code := range r.reasons {
		rc, err := r.ResolveReasonCode(code, businessDate)
		if err != nil {
			if eris.Is(err, ErrNoEffectiveRule) {
				continue
			}
			return nil, err
		}
		snap.Reasons[code] = *rc
	}

	return snap, nil
}

// ToleranceFor returns the snapshot's tolerance rule for an entity type,
// most-specific first: an exact entityType match beats a "*" wildcard, and
// within a specificity class the earliest-defined (lowest id) rule wins, so
// the selection is total and stable across runs. Exactly the versions
// resolved at snapshot time are consulted; nothing is re-queried mid-run.
func (s *Snapshot) ToleranceFor(entityType string) (ToleranceRule, error) {
	if t, ok := s.lowestTolerance(entityType); ok {
		return t, nil
	}
	if t, ok := s.lowestTolerance("*"); ok {
		return t, nil
	}
	return ToleranceRule{}, eris.Wrapf(ErrNoEffectiveRule, "no tolerance rule for entity type %q", entityType)
}

func (s *Snapshot) lowestTolerance(entityType string) (ToleranceRule, bool) {
	var best ToleranceRule
	found := false
	for _, t := range s.Tolerance {
		if t.EntityType != entityType {
			continue
		}
		if !found || t.ID < best.ID {
			best = t
			found = true
		}
	}
	return best, found
}

// MatchingFor returns the matching rules applicable to an entity type,
// most-specific first: exact entityType matches sort before wildcards, and
// within a specificity class the earliest-defined (lowest id) rule wins.
// The ordering is total and stable across runs.
func (s *Snapshot) MatchingFor(entityType string) []MatchingRule {
	var exact, wild []MatchingRule
	for _, m := range s.Matching {
		switch m.EntityType {
		case entityType:
			exact = append(exact, m)
		case "*", "":
			wild = append(wild, m)
		}
	}
	return append(exact, wild...)
}
