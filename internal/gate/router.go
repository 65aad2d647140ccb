package gate

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/recon-engine/internal/detect"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/rules"
)

// Config holds the routing thresholds. Defaults implement the gate
// contract: STP at confidence ≥ 0.90, expedited review from 0.70, standard
// from 0.50, mandatory UNKNOWN below that.
type Config struct {
	STPConfidence     float64 `yaml:"stp_confidence" mapstructure:"stp_confidence"`
	ExpeditedMin      float64 `yaml:"expedited_min" mapstructure:"expedited_min"`
	StandardMin       float64 `yaml:"standard_min" mapstructure:"standard_min"`
	MonetaryOverride  float64 `yaml:"monetary_override" mapstructure:"monetary_override"` // 0 disables
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		STPConfidence: 0.90,
		ExpeditedMin:  0.70,
		StandardMin:   0.50,
	}
}

// Router evaluates attributed groups against the gate transition rules.
// The active rule snapshot pins which versions count as current at
// decision time; knowledge is the explicit read-only historical context.
type Router struct {
	cfg       Config
	active    *rules.Snapshot
	knowledge detect.KnowledgeContext
}

// NewRouter creates a router for one run.
func NewRouter(cfg Config, active *rules.Snapshot, knowledge detect.KnowledgeContext) *Router {
	if cfg.STPConfidence == 0 {
		cfg = DefaultConfig()
	}
	return &Router{cfg: cfg, active: active, knowledge: knowledge}
}

// Matched produces the terminal decision for a group with zero
// differences. No attribution step is involved.
func (r *Router) Matched(group *model.MatchGroup) model.GateDecision {
	return r.decision(group, model.GateMatched, model.DecisionTrace{
		MatchingRuleID:  group.RuleID,
		MatchingVersion: group.RuleVersion,
	})
}

// Blocked produces a terminal blocked decision with the given reason,
// carrying whatever differences were established before the failure.
func (r *Router) Blocked(group *model.MatchGroup, reason model.BlockReason, diffs []model.Difference, notes string) model.GateDecision {
	d := r.decision(group, model.GateBlocked, r.trace(group, diffs, nil))
	d.Reason = reason
	d.Trace.Notes = notes
	return d
}

// Route drives an attributed group to its terminal state. Every
// difference must carry a completed attribution; the caller handles the
// ATTRIBUTION_UNAVAILABLE path before getting here.
func (r *Router) Route(group *model.MatchGroup, diffs []model.Difference, attrs map[string]model.Attribution) model.GateDecision {
	trace := r.trace(group, diffs, attrs)

	// Rule 4: any stamped-version mismatch against the active snapshot
	// blocks regardless of confidence.
	if conflicted, note := r.versionConflict(diffs); conflicted {
		d := r.decision(group, model.GateBlocked, trace)
		d.Reason = model.BlockRuleVersionConflict
		d.Trace.Notes = note
		return d
	}

	// Duplicate-entry ambiguity is never auto-released.
	if group.DuplicateEntry {
		d := r.decision(group, model.GateHITLQueued, trace)
		d.Band = model.BandUnknown
		d.Trace.Notes = "duplicate entries in one-sided partition"
		return d
	}

	if r.stpEligible(group, diffs, attrs) {
		return r.decision(group, model.GateSTPPassed, trace)
	}

	d := r.decision(group, model.GateHITLQueued, trace)
	d.Band = r.band(group, diffs, attrs)
	return d
}

// stpEligible applies transition rule 2: every difference needs
// confidence at or above the STP threshold, a functional classification,
// and no outstanding monetary override; non-one-to-one groups must also be
// complete.
func (r *Router) stpEligible(group *model.MatchGroup, diffs []model.Difference, attrs map[string]model.Attribution) bool {
	if group.Cardinality != model.CardinalityOneToOne && !group.Complete() {
		return false
	}
	for _, diff := range diffs {
		attr, ok := attrs[diff.ID]
		if !ok {
			return false
		}
		top := attr.Top()
		if top.Confidence < r.cfg.STPConfidence {
			return false
		}
		if top.Classification != model.ClassificationFunctional {
			return false
		}
		if attr.Conflicted() {
			return false
		}
		if r.cfg.MonetaryOverride > 0 && diff.AbsoluteDelta >= r.cfg.MonetaryOverride {
			return false
		}
	}
	return true
}

// band applies transition rule 3's priority banding. The group takes the
// worst band across its differences; partial matches without a clear
// attribution, conflicting candidates, and novel patterns are mandatory
// UNKNOWN.
func (r *Router) band(group *model.MatchGroup, diffs []model.Difference, attrs map[string]model.Attribution) model.PriorityBand {
	if group.Partial {
		return model.BandUnknown
	}

	band := model.BandExpedited
	for _, diff := range diffs {
		attr, ok := attrs[diff.ID]
		if !ok {
			return model.BandUnknown
		}
		if attr.Conflicted() {
			return model.BandUnknown
		}
		top := attr.Top()
		if top.Confidence < r.cfg.StandardMin {
			return model.BandUnknown
		}
		if r.knowledge.Novel(diff.Field) {
			return model.BandUnknown
		}
		if top.Confidence < r.cfg.ExpeditedMin && band == model.BandExpedited {
			band = model.BandStandard
		}
	}
	return band
}

// versionConflict compares each difference's stamped tolerance version to
// the version active in the router's snapshot.
func (r *Router) versionConflict(diffs []model.Difference) (bool, string) {
	for _, diff := range diffs {
		active, ok := r.active.Tolerance[diff.ToleranceRuleID]
		if !ok {
			return true, "tolerance rule " + diff.ToleranceRuleID + " has no active version"
		}
		if active.Version != diff.ToleranceVersion {
			return true, "tolerance rule " + diff.ToleranceRuleID + " stamped at a non-active version"
		}
	}
	return false, ""
}

func (r *Router) trace(group *model.MatchGroup, diffs []model.Difference, attrs map[string]model.Attribution) model.DecisionTrace {
	trace := model.DecisionTrace{
		MatchingRuleID:  group.RuleID,
		MatchingVersion: group.RuleVersion,
		Differences:     diffs,
		STPThreshold:    r.cfg.STPConfidence,
	}
	if len(diffs) > 0 {
		trace.ToleranceVersions = make(map[string]int)
		for _, d := range diffs {
			trace.ToleranceVersions[d.ToleranceRuleID] = d.ToleranceVersion
		}
	}
	for _, d := range diffs {
		if attr, ok := attrs[d.ID]; ok {
			trace.Attributions = append(trace.Attributions, attr)
		}
	}
	return trace
}

func (r *Router) decision(group *model.MatchGroup, state model.GateState, trace model.DecisionTrace) model.GateDecision {
	return model.GateDecision{
		ID:        uuid.New().String(),
		RunID:     group.RunID,
		GroupID:   group.ID,
		State:     state,
		Trace:     trace,
		DecidedAt: time.Now().UTC(),
	}
}
