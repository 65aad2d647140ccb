// Package impact replays stored gate decisions against a candidate
// tolerance rule version to preview what a rule change would do before it
// is published. The replay is read-only; nothing is appended.
package impact

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/detect"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/rules"
	"github.com/sells-group/recon-engine/internal/store"
)

// Report summarizes a candidate rule version's effect over a historical
// decision window.
type Report struct {
	CandidateRuleID   string    `json:"candidate_rule_id"`
	CandidateVersion  int       `json:"candidate_version"`
	WindowFrom        time.Time `json:"window_from"`
	WindowTo          time.Time `json:"window_to"`
	Replayed          int       `json:"replayed"`
	WouldChangeCount  int       `json:"would_change_count"`
	EstimatedAccuracy float64   `json:"estimated_accuracy"`
	AffectedGroupIDs  []string  `json:"affected_group_ids,omitempty"`
}

// Evaluator replays decisions out of the store.
type Evaluator struct {
	store store.Store
}

// New creates an evaluator.
func New(st store.Store) *Evaluator {
	return &Evaluator{store: st}
}

// Evaluate replays every decision in the window whose trace touched the
// candidate's rule ID, re-testing each stored difference against the
// candidate thresholds. A group "would change" when its set of flagged
// differences empties or grows under the candidate. EstimatedAccuracy is
// the share of replayed groups whose disposition survives the change.
func (e *Evaluator) Evaluate(ctx context.Context, candidate rules.ToleranceRule, window store.DecisionWindow) (*Report, error) {
	if window.To.Before(window.From) {
		return nil, eris.New("impact: window end precedes start")
	}

	decisions, err := e.store.ListDecisions(ctx, window)
	if err != nil {
		return nil, eris.Wrap(err, "impact: list decisions")
	}

	report := &Report{
		CandidateRuleID:  candidate.ID,
		CandidateVersion: candidate.Version,
		WindowFrom:       window.From,
		WindowTo:         window.To,
	}

	affected := make(map[string]struct{})
	for _, decision := range decisions {
		if !touchesRule(decision, candidate.ID) {
			continue
		}
		report.Replayed++

		if wouldChange(decision, candidate) {
			report.WouldChangeCount++
			affected[decision.GroupID] = struct{}{}
		}
	}

	for groupID := range affected {
		report.AffectedGroupIDs = append(report.AffectedGroupIDs, groupID)
	}
	sort.Strings(report.AffectedGroupIDs)

	if report.Replayed > 0 {
		report.EstimatedAccuracy = 1 - float64(report.WouldChangeCount)/float64(report.Replayed)
	}

	zap.L().Info("impact: evaluation complete",
		zap.String("rule_id", candidate.ID),
		zap.Int("candidate_version", candidate.Version),
		zap.Int("replayed", report.Replayed),
		zap.Int("would_change", report.WouldChangeCount),
	)
	return report, nil
}

func touchesRule(decision model.GateDecision, ruleID string) bool {
	if _, ok := decision.Trace.ToleranceVersions[ruleID]; ok {
		return true
	}
	// MATCHED decisions carry no differences; they are still replayed
	// because a tightened rule can surface new differences. Without the
	// compared values those replays are skipped.
	return false
}

// wouldChange re-tests each stored difference against the candidate's
// per-field thresholds. Only the flagged/unflagged outcome is replayed;
// attribution confidence is taken as stored.
func wouldChange(decision model.GateDecision, candidate rules.ToleranceRule) bool {
	for _, diff := range decision.Trace.Differences {
		if diff.ToleranceRuleID != candidate.ID {
			continue
		}
		if stillFlagged(diff, candidate) != flaggedUnderOriginal(diff) {
			return true
		}
	}
	return false
}

// flaggedUnderOriginal: every stored difference was by definition flagged
// at detection time.
func flaggedUnderOriginal(model.Difference) bool { return true }

func stillFlagged(diff model.Difference, candidate rules.ToleranceRule) bool {
	ft, ok := candidate.FieldFor(diff.Field)
	if !ok {
		// Field no longer covered: zero tolerance, still flagged.
		return true
	}

	switch diff.Type {
	case model.DiffTypeNumeric, model.DiffTypeAggregate:
		return numericFlagged(diff, ft)
	case model.DiffTypeString:
		if ft.SimilarityThreshold > 0 {
			return detect.Similarity(diff.ValueA, diff.ValueB) < ft.SimilarityThreshold
		}
		return true
	default:
		// Null, date, and missing mismatches have no tunable threshold.
		return true
	}
}

// numericFlagged mirrors the detector's AND semantics: the difference
// clears only when every configured threshold passes.
func numericFlagged(diff model.Difference, ft rules.FieldTolerance) bool {
	absSet := ft.AbsoluteThreshold > 0
	pctSet := ft.PercentThreshold > 0
	if !absSet && !pctSet {
		return true
	}
	if absSet && math.Abs(diff.AbsoluteDelta) <= ft.AbsoluteThreshold {
		return false
	}
	if pctSet && math.Abs(diff.RelativeDelta) <= ft.PercentThreshold {
		return false
	}
	return true
}
