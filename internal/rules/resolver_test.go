package rules

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tolV(id string, version int, from, to string) ToleranceRule {
	rule := ToleranceRule{
		ID:         id,
		EntityType: "transaction",
		Fields:     []FieldTolerance{{Field: "amount", AbsoluteThreshold: 1.0}},
	}
	rule.Version = version
	rule.EffectiveFrom = date(from)
	if to != "" {
		rule.EffectiveTo = date(to)
	}
	return rule
}

func TestResolveToleranceSelectsVersionEffectiveAtDate(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 1, "2025-01-01", "2025-06-01")))
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 2, "2025-06-01", "")))

	got, err := r.ResolveTolerance("tol-amount", date("2025-03-15"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	got, err = r.ResolveTolerance("tol-amount", date("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "effective_from is inclusive")
}

func TestResolveToleranceDoesNotSelectFutureVersion(t *testing.T) {
	// A version published with a later effective date must not apply to
	// runs dated before it.
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 1, "2025-01-01", "")))
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 2, "2025-09-01", "")))

	got, err := r.ResolveTolerance("tol-amount", date("2025-08-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestResolveToleranceGapReturnsErrNoEffectiveRule(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 1, "2025-03-01", "2025-06-01")))

	_, err := r.ResolveTolerance("tol-amount", date("2025-02-01"))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNoEffectiveRule))

	_, err = r.ResolveTolerance("tol-amount", date("2025-06-01"))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNoEffectiveRule), "effective_to is exclusive")
}

func TestAddToleranceRejectsOverlap(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 1, "2025-01-01", "2025-06-01")))

	err := r.AddTolerance(tolV("tol-amount", 2, "2025-04-01", "2025-08-01"))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrOverlappingVersions))
}

func TestAddToleranceRejectsNonMonotonicVersion(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 2, "2025-01-01", "2025-06-01")))

	err := r.AddTolerance(tolV("tol-amount", 2, "2025-06-01", ""))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrVersionNotMonotonic))

	err = r.AddTolerance(tolV("tol-amount", 1, "2025-06-01", ""))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrVersionNotMonotonic))
}

func TestAddToleranceClosesOpenEndedPrior(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 1, "2025-01-01", "")))
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 2, "2025-06-01", "")))

	v1, err := r.ResolveTolerance("tol-amount", date("2025-05-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := r.ResolveTolerance("tol-amount", date("2025-06-01"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
}

func TestSnapshotAtPinsVersionsAndSkipsGaps(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddTolerance(tolV("tol-amount", 1, "2025-01-01", "")))
	require.NoError(t, r.AddTolerance(tolV("tol-future", 1, "2026-01-01", "")))

	m := MatchingRule{ID: "match-txn", EntityType: "transaction", Cardinality: "one_to_one"}
	m.Version = 1
	m.EffectiveFrom = date("2025-01-01")
	require.NoError(t, r.AddMatching(m))

	snap, err := r.SnapshotAt(date("2025-07-01"))
	require.NoError(t, err)

	require.Len(t, snap.Matching, 1)
	assert.Contains(t, snap.Tolerance, "tol-amount")
	assert.NotContains(t, snap.Tolerance, "tol-future", "gapped rules are absent, lookups block later")
}

func TestMatchingForPrefersExactEntityType(t *testing.T) {
	exact := MatchingRule{ID: "match-txn", EntityType: "transaction"}
	wild := MatchingRule{ID: "match-any", EntityType: "*"}
	snap := &Snapshot{Matching: []MatchingRule{wild, exact}}

	got := snap.MatchingFor("transaction")
	require.Len(t, got, 2)
	assert.Equal(t, "match-txn", got[0].ID)
}

func TestToleranceForPrefersExactEntityType(t *testing.T) {
	exact := ToleranceRule{ID: "tol-exact", EntityType: "transaction"}
	wild := ToleranceRule{ID: "tol-wild", EntityType: "*"}
	snap := &Snapshot{Tolerance: map[string]ToleranceRule{
		"tol-wild":  wild,
		"tol-exact": exact,
	}}

	// Map iteration order is random; the selection must not be. Repeat to
	// catch any order-dependent pick.
	for i := 0; i < 200; i++ {
		got, err := snap.ToleranceFor("transaction")
		require.NoError(t, err)
		require.Equal(t, "tol-exact", got.ID)
	}

	got, err := snap.ToleranceFor("security")
	require.NoError(t, err)
	assert.Equal(t, "tol-wild", got.ID, "wildcard covers types with no exact rule")
}

func TestToleranceForTieBreaksOnLowestID(t *testing.T) {
	snap := &Snapshot{Tolerance: map[string]ToleranceRule{
		"tol-b": {ID: "tol-b", EntityType: "transaction"},
		"tol-a": {ID: "tol-a", EntityType: "transaction"},
		"tol-c": {ID: "tol-c", EntityType: "transaction"},
	}}

	for i := 0; i < 200; i++ {
		got, err := snap.ToleranceFor("transaction")
		require.NoError(t, err)
		require.Equal(t, "tol-a", got.ID)
	}
}
