package model

// DiffType classifies a field-level discrepancy.
type DiffType string

const (
	DiffTypeNumeric   DiffType = "NUMERIC_MISMATCH"
	DiffTypeString    DiffType = "STRING_MISMATCH"
	DiffTypeDate      DiffType = "DATE_MISMATCH"
	DiffTypeNull      DiffType = "NULL_MISMATCH"
	DiffTypeMissingA  DiffType = "MISSING_IN_SOURCE_A"
	DiffTypeMissingB  DiffType = "MISSING_IN_SOURCE_B"
	DiffTypeAggregate DiffType = "AGGREGATE_MISMATCH"
)

// Difference is one field-level discrepancy inside a MatchGroup, created
// only when the configured tolerance is exceeded. The tolerance-rule
// version consulted is stamped on the record for point-in-time audit.
type Difference struct {
	ID               string   `json:"id"`
	GroupID          string   `json:"group_id"`
	Field            string   `json:"field"`
	Type             DiffType `json:"type"`
	ValueA           string   `json:"value_a"`
	ValueB           string   `json:"value_b"`
	AbsoluteDelta    float64  `json:"absolute_delta"`
	RelativeDelta    float64  `json:"relative_delta"`
	ToleranceRuleID  string   `json:"tolerance_rule_id"`
	ToleranceVersion int      `json:"tolerance_version"`
}

// Classification separates differences the business considers explainable
// from ones that indicate a functional break.
type Classification string

const (
	ClassificationFunctional    Classification = "functional"
	ClassificationNonFunctional Classification = "non_functional"
)

// RankedReason is one candidate explanation for a difference, produced by
// the attribution collaborator.
type RankedReason struct {
	Code           string         `json:"code"`
	Confidence     float64        `json:"confidence"`
	Classification Classification `json:"classification"`
}

// Attribution is the scoring collaborator's output for one difference.
// The engine only reads it.
type Attribution struct {
	DifferenceID string         `json:"difference_id"`
	Reasons      []RankedReason `json:"reasons"`
	ModelVersion string         `json:"model_version"`
}

// Top returns the highest-confidence reason, or a zero value when the
// collaborator returned no candidates.
func (a Attribution) Top() RankedReason {
	if len(a.Reasons) == 0 {
		return RankedReason{}
	}
	return a.Reasons[0]
}

// Conflicted reports whether the two leading candidates are too close to
// call, which forces a mandatory human review.
func (a Attribution) Conflicted() bool {
	if len(a.Reasons) < 2 {
		return false
	}
	return a.Reasons[0].Confidence-a.Reasons[1].Confidence < 0.05
}
