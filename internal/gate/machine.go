// Package gate drives the quality-gate state machine that decides whether
// a reconciled group is released straight through, queued for human
// review, or blocked. Transitions come from an enumerated table, testable
// without any surrounding I/O.
package gate

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// transitions enumerates every legal edge of the gate state machine.
// HITL_QUEUED moves only through external governance resolutions.
var transitions = map[model.GateState][]model.GateState{
	model.GateDiffDetected: {model.GateAttributed, model.GateBlocked},
	model.GateAttributed:   {model.GateSTPPassed, model.GateHITLQueued, model.GateBlocked},
	model.GateHITLQueued:   {model.GateResolved, model.GateBlocked},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to model.GateState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is returned when a caller requests an edge the
// table does not contain.
var ErrIllegalTransition = eris.New("gate: illegal state transition")

// Resolution is a governance decision applied to a queued group.
type Resolution struct {
	GroupID       string `json:"group_id"`
	Action        string `json:"resolution"` // APPROVE | OVERRIDE
	NewReasonCode string `json:"new_reason_code,omitempty"`
	ActorID       string `json:"actor_id"`
}

const (
	ResolutionApprove  = "APPROVE"
	ResolutionOverride = "OVERRIDE"
)

// ApplyResolution turns a governance resolution into a new GateDecision
// referencing the queued one. History is append-only: the prior decision
// is never touched.
func ApplyResolution(prev model.GateDecision, res Resolution) (model.GateDecision, error) {
	if prev.State != model.GateHITLQueued {
		return model.GateDecision{}, eris.Wrapf(ErrIllegalTransition, "group %s is %s, not queued", prev.GroupID, prev.State)
	}

	next := model.GateDecision{
		ID:         uuid.New().String(),
		RunID:      prev.RunID,
		GroupID:    prev.GroupID,
		Trace:      prev.Trace,
		PreviousID: prev.ID,
		ActorID:    res.ActorID,
		DecidedAt:  time.Now().UTC(),
	}

	switch res.Action {
	case ResolutionApprove:
		next.State = model.GateResolved
		next.Trace.Notes = "approved by governance"
	case ResolutionOverride:
		if res.NewReasonCode == "" {
			return model.GateDecision{}, eris.New("gate: override requires a reason code")
		}
		next.State = model.GateResolved
		next.Trace.Notes = "overridden to " + res.NewReasonCode
	default:
		return model.GateDecision{}, eris.Errorf("gate: unknown resolution action %q", res.Action)
	}

	return next, nil
}

// Reject blocks a queued group through governance.
func Reject(prev model.GateDecision, actorID string) (model.GateDecision, error) {
	if !CanTransition(prev.State, model.GateBlocked) {
		return model.GateDecision{}, eris.Wrapf(ErrIllegalTransition, "group %s is %s", prev.GroupID, prev.State)
	}
	next := model.GateDecision{
		ID:         uuid.New().String(),
		RunID:      prev.RunID,
		GroupID:    prev.GroupID,
		State:      model.GateBlocked,
		Reason:     model.BlockGovernanceRejected,
		Trace:      prev.Trace,
		PreviousID: prev.ID,
		ActorID:    actorID,
		DecidedAt:  time.Now().UTC(),
	}
	return next, nil
}
