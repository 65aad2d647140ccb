package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/rules"
)

func snapshotWith(steps []rules.NormalizationStep, sourceSystemID string) *rules.Snapshot {
	m := rules.MatchingRule{
		ID:             "match-txn",
		EntityType:     "transaction",
		SourceSystemID: sourceSystemID,
		Steps:          steps,
	}
	m.Version = 1
	return &rules.Snapshot{Matching: []rules.MatchingRule{m}}
}

func TestNormalizeAppliesChainInOrder(t *testing.T) {
	n := New(snapshotWith([]rules.NormalizationStep{
		{Op: "strip_prefix", Value: "TRD-"},
		{Op: "strip_non_alnum"},
		{Op: "casefold"},
	}, ""))

	key, err := n.Normalize("TRD-00 42/ax", "transaction", "ledger")
	require.NoError(t, err)
	assert.Equal(t, "0042ax", key.Key)
	assert.Equal(t, "match-txn", key.RuleID)
	assert.False(t, key.FallbackUsed)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := New(snapshotWith([]rules.NormalizationStep{
		{Op: "strip_non_alnum"},
		{Op: "casefold"},
		{Op: "trim_zeros"},
	}, ""))

	first, err := n.Normalize("Ref-100.500", "transaction", "sys")
	require.NoError(t, err)

	second, err := n.Normalize(first.Key, "transaction", "sys")
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
}

func TestNormalizeFallsBackWithoutChain(t *testing.T) {
	n := New(&rules.Snapshot{})

	key, err := n.Normalize("RAW-KEY-7", "transaction", "sys")
	require.NoError(t, err)
	assert.Equal(t, "RAW-KEY-7", key.Key)
	assert.True(t, key.FallbackUsed)
}

func TestNormalizePrefersExactSourceSystem(t *testing.T) {
	specific := rules.MatchingRule{
		ID:             "match-ledger",
		EntityType:     "transaction",
		SourceSystemID: "ledger",
		Steps:          []rules.NormalizationStep{{Op: "upper"}},
	}
	generic := rules.MatchingRule{
		ID:         "match-any",
		EntityType: "transaction",
		Steps:      []rules.NormalizationStep{{Op: "casefold"}},
	}
	n := New(&rules.Snapshot{Matching: []rules.MatchingRule{generic, specific}})

	key, err := n.Normalize("abc", "transaction", "ledger")
	require.NoError(t, err)
	assert.Equal(t, "ABC", key.Key)
	assert.Equal(t, "match-ledger", key.RuleID)

	key, err = n.Normalize("ABC", "transaction", "other")
	require.NoError(t, err)
	assert.Equal(t, "abc", key.Key)
	assert.Equal(t, "match-any", key.RuleID)
}

func TestNormalizeRegexAndBadPattern(t *testing.T) {
	n := New(snapshotWith([]rules.NormalizationStep{
		{Op: "regex", Pattern: `^0+`, Replace: ""},
	}, ""))

	key, err := n.Normalize("000123", "transaction", "sys")
	require.NoError(t, err)
	assert.Equal(t, "123", key.Key)

	bad := New(snapshotWith([]rules.NormalizationStep{
		{Op: "regex", Pattern: `([`, Replace: ""},
	}, ""))
	_, err = bad.Normalize("x", "transaction", "sys")
	assert.Error(t, err)
}
