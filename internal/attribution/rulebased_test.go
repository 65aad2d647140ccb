package attribution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
)

func scoreOne(t *testing.T, features FeatureVector) model.Attribution {
	t.Helper()
	results, err := NewRuleBasedScorer().ScoreBatch(context.Background(), []ScoreRequest{
		{DifferenceID: "diff-1", Features: features},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	return results[0].Attribution
}

func TestRuleBasedMissingSides(t *testing.T) {
	attr := scoreOne(t, FeatureVector{DiffType: model.DiffTypeMissingA})
	assert.Equal(t, ReasonMissingSourceA, attr.Top().Code)
	assert.Equal(t, 1.0, attr.Top().Confidence)

	attr = scoreOne(t, FeatureVector{DiffType: model.DiffTypeMissingB})
	assert.Equal(t, ReasonMissingSourceB, attr.Top().Code)
}

func TestRuleBasedRoundingDiff(t *testing.T) {
	attr := scoreOne(t, FeatureVector{
		DiffType:      model.DiffTypeNumeric,
		AbsoluteDelta: 0.01,
		RelativeDelta: 0.0001,
	})
	assert.Equal(t, ReasonRoundingDiff, attr.Top().Code)
	assert.Equal(t, 0.98, attr.Top().Confidence)
	assert.Equal(t, model.ClassificationFunctional, attr.Top().Classification)
}

func TestRuleBasedFXVariance(t *testing.T) {
	attr := scoreOne(t, FeatureVector{
		DiffType:      model.DiffTypeNumeric,
		AbsoluteDelta: 12.0,
		RelativeDelta: 0.012,
	})
	require.Len(t, attr.Reasons, 2)
	assert.Equal(t, ReasonFXVariance, attr.Top().Code)
	assert.Equal(t, 0.88, attr.Top().Confidence)
	assert.False(t, attr.Conflicted(), "0.88 vs 0.12 is a clear call")
}

func TestRuleBasedPunctuationVariance(t *testing.T) {
	attr := scoreOne(t, FeatureVector{
		DiffType: model.DiffTypeString,
		ValueA:   "ACME Inc.",
		ValueB:   "ACME Inc",
	})
	assert.Equal(t, ReasonManualEntry, attr.Top().Code)
	assert.Equal(t, 0.90, attr.Top().Confidence)
}

func TestRuleBasedTimingDiff(t *testing.T) {
	attr := scoreOne(t, FeatureVector{DiffType: model.DiffTypeDate})
	assert.Equal(t, ReasonTimingDiff, attr.Top().Code)
}

func TestRuleBasedUnknownFallback(t *testing.T) {
	attr := scoreOne(t, FeatureVector{
		DiffType:      model.DiffTypeNumeric,
		AbsoluteDelta: 500.0,
		RelativeDelta: 0.5,
	})
	assert.Equal(t, ReasonUnknown, attr.Top().Code)
	assert.Equal(t, 0.0, attr.Top().Confidence)
	assert.Equal(t, model.ClassificationNonFunctional, attr.Top().Classification)
}
