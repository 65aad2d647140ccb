package attribution

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/recon-engine/internal/model"
)

// Reason codes the rule-based scorer can emit. They must exist as
// versioned reason-code entities in the active rule set.
const (
	ReasonMissingSourceA = "MISSING_SOURCE_A"
	ReasonMissingSourceB = "MISSING_SOURCE_B"
	ReasonRoundingDiff   = "ROUNDING_DIFF"
	ReasonFXVariance     = "FX_VARIANCE"
	ReasonManualEntry    = "MANUAL_ENTRY_ERR"
	ReasonTimingDiff     = "TIMING_DIFF"
	ReasonUnknown        = "UNKNOWN"
)

// RuleBasedScorer is the deterministic local scorer used for offline runs
// and as the baseline the ML service is benchmarked against. Confidence
// values mirror the production heuristics: structural misses are certain,
// rounding and punctuation variances are near-certain, FX-sized variances
// are strong but reviewable.
type RuleBasedScorer struct {
	Version string
}

// NewRuleBasedScorer returns the baseline scorer.
func NewRuleBasedScorer() *RuleBasedScorer {
	return &RuleBasedScorer{Version: "rules-v1"}
}

// ScoreBatch scores every item locally; items never fail.
func (s *RuleBasedScorer) ScoreBatch(_ context.Context, reqs []ScoreRequest) ([]ScoreResult, error) {
	results := make([]ScoreResult, len(reqs))
	for i, req := range reqs {
		results[i] = ScoreResult{Attribution: model.Attribution{
			DifferenceID: req.DifferenceID,
			Reasons:      s.reasons(req.Features),
			ModelVersion: s.Version,
		}}
	}
	return results, nil
}

func (s *RuleBasedScorer) reasons(f FeatureVector) []model.RankedReason {
	switch f.DiffType {
	case model.DiffTypeMissingA:
		return []model.RankedReason{{Code: ReasonMissingSourceA, Confidence: 1.0, Classification: model.ClassificationNonFunctional}}
	case model.DiffTypeMissingB:
		return []model.RankedReason{{Code: ReasonMissingSourceB, Confidence: 1.0, Classification: model.ClassificationNonFunctional}}
	case model.DiffTypeDate:
		// Date-only shifts are usually settlement timing.
		return []model.RankedReason{{Code: ReasonTimingDiff, Confidence: 0.85, Classification: model.ClassificationFunctional}}
	case model.DiffTypeNumeric, model.DiffTypeAggregate:
		return s.numericReasons(f)
	case model.DiffTypeString:
		return s.stringReasons(f)
	}
	return []model.RankedReason{{Code: ReasonUnknown, Confidence: 0, Classification: model.ClassificationNonFunctional}}
}

func (s *RuleBasedScorer) numericReasons(f FeatureVector) []model.RankedReason {
	if f.AbsoluteDelta < 0.02 {
		return []model.RankedReason{{Code: ReasonRoundingDiff, Confidence: 0.98, Classification: model.ClassificationFunctional}}
	}
	if f.RelativeDelta > 0.005 && f.RelativeDelta < 0.03 {
		return []model.RankedReason{
			{Code: ReasonFXVariance, Confidence: 0.88, Classification: model.ClassificationFunctional},
			{Code: ReasonUnknown, Confidence: 0.12, Classification: model.ClassificationNonFunctional},
		}
	}
	return []model.RankedReason{{Code: ReasonUnknown, Confidence: 0, Classification: model.ClassificationNonFunctional}}
}

func (s *RuleBasedScorer) stringReasons(f FeatureVector) []model.RankedReason {
	if strippedEqual(f.ValueA, f.ValueB) {
		return []model.RankedReason{{Code: ReasonManualEntry, Confidence: 0.90, Classification: model.ClassificationFunctional}}
	}
	if _, errA := strconv.ParseFloat(f.ValueA, 64); errA == nil {
		// Numeric-looking strings that still mismatch after tolerance.
		return []model.RankedReason{{Code: ReasonUnknown, Confidence: 0, Classification: model.ClassificationNonFunctional}}
	}
	return []model.RankedReason{{Code: ReasonUnknown, Confidence: 0, Classification: model.ClassificationNonFunctional}}
}

// strippedEqual treats punctuation-only variances ("Inc" vs "Inc.") as the
// same value.
func strippedEqual(a, b string) bool {
	strip := func(s string) string {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", "")
		return strings.TrimSpace(s)
	}
	return strip(a) != "" && strip(a) == strip(b)
}
