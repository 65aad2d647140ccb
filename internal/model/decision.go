package model

import "time"

// GateState is a node in the quality-gate state machine.
type GateState string

const (
	GateMatched      GateState = "MATCHED"
	GateDiffDetected GateState = "DIFF_DETECTED"
	GateAttributed   GateState = "ATTRIBUTED"
	GateSTPPassed    GateState = "STP_PASSED"
	GateHITLQueued   GateState = "HITL_QUEUED"
	GateResolved     GateState = "RESOLVED"
	GateBlocked      GateState = "BLOCKED"
)

// Terminal reports whether the state ends gate processing for a run.
// HITL_QUEUED is terminal pending external human action.
func (s GateState) Terminal() bool {
	switch s {
	case GateMatched, GateSTPPassed, GateHITLQueued, GateResolved, GateBlocked:
		return true
	}
	return false
}

// BlockReason enumerates why a group was blocked.
type BlockReason string

const (
	BlockRuleVersionGap         BlockReason = "RULE_VERSION_GAP"
	BlockRuleVersionConflict    BlockReason = "RULE_VERSION_CONFLICT"
	BlockAttributionUnavailable BlockReason = "ATTRIBUTION_UNAVAILABLE"
	BlockCardinalityConflict    BlockReason = "CARDINALITY_CONFLICT"
	BlockGovernanceRejected     BlockReason = "GOVERNANCE_REJECTED"
)

// PriorityBand orders the human-review queue.
type PriorityBand string

const (
	BandExpedited PriorityBand = "expedited" // confidence in [0.70, 0.90)
	BandStandard  PriorityBand = "standard"  // confidence in [0.50, 0.70)
	BandUnknown   PriorityBand = "unknown"   // below 0.50, conflicted, or partial
)

// DecisionTrace captures everything that drove a gate decision. Audit and
// retroactive-impact tooling read this trace, never a recomputation.
type DecisionTrace struct {
	MatchingRuleID    string        `json:"matching_rule_id"`
	MatchingVersion   int           `json:"matching_version"`
	ToleranceVersions map[string]int `json:"tolerance_versions,omitempty"`
	Differences       []Difference  `json:"differences,omitempty"`
	Attributions      []Attribution `json:"attributions,omitempty"`
	STPThreshold      float64       `json:"stp_threshold,omitempty"`
	Notes             string        `json:"notes,omitempty"`
}

// GateDecision is the engine's disposition for one group. Immutable once
// written; a correction appends a new decision carrying PreviousID.
type GateDecision struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	GroupID    string        `json:"group_id"`
	State      GateState     `json:"state"`
	Band       PriorityBand  `json:"band,omitempty"`
	Reason     BlockReason   `json:"reason,omitempty"`
	Trace      DecisionTrace `json:"trace"`
	PreviousID string        `json:"previous_id,omitempty"`
	ActorID    string        `json:"actor_id,omitempty"`
	DecidedAt  time.Time     `json:"decided_at"`
}
