// Package store persists runs, match groups, differences, and gate
// decisions. Writes are append-only: the engine never reads back its own
// writes within a run, and a decision is never updated in place.
package store

import (
	"context"
	"time"

	"github.com/sells-group/recon-engine/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// DecisionWindow bounds the historical decisions the impact evaluator
// replays.
type DecisionWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Store defines the persistence interface for the reconciliation engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run model.Run) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Append-only reconciliation artifacts
	AppendGroups(ctx context.Context, groups []model.MatchGroup) error
	AppendDifferences(ctx context.Context, diffs []model.Difference) error
	AppendDecision(ctx context.Context, decision model.GateDecision) error

	// Audit and governance reads (across runs, never within one)
	LatestDecision(ctx context.Context, groupID string) (*model.GateDecision, error)
	ListDecisions(ctx context.Context, window DecisionWindow) ([]model.GateDecision, error)
	DecisionHistory(ctx context.Context, groupID string) ([]model.GateDecision, error)

	// Shard checkpoints
	SaveCheckpoint(ctx context.Context, cp model.ShardCheckpoint) error
	GetCheckpoint(ctx context.Context, runID string, shard int) (*model.ShardCheckpoint, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
