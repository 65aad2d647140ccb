package model

import "time"

// RunStatus represents the current state of a reconciliation run.
type RunStatus string

const (
	RunStatusQueued             RunStatus = "queued"
	RunStatusGrouping           RunStatus = "grouping"
	RunStatusRouting            RunStatus = "routing"
	RunStatusComplete           RunStatus = "complete"
	RunStatusCompleteWithErrors RunStatus = "completed_with_errors"
	RunStatusCancelled          RunStatus = "cancelled"
	RunStatusFailed             RunStatus = "failed"
)

// Run scopes one reconciliation execution. A run's results are immutable
// after completion; retroactive reprocessing appends new version-stamped
// decisions rather than mutating old ones.
type Run struct {
	ID            string     `json:"id"`
	SourceSystemA string     `json:"source_system_a"`
	SourceSystemB string     `json:"source_system_b"`
	BusinessDate  time.Time  `json:"business_date"`
	Status        RunStatus  `json:"status"`
	Result        *RunResult `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BlockedGroup enumerates one blocked group in a run summary.
type BlockedGroup struct {
	GroupID string      `json:"group_id"`
	Reason  BlockReason `json:"reason"`
}

// RunResult holds the final counters for a run.
type RunResult struct {
	RecordsA      int            `json:"records_a"`
	RecordsB      int            `json:"records_b"`
	Groups        int            `json:"groups"`
	OrphansA      int            `json:"orphans_a"`
	OrphansB      int            `json:"orphans_b"`
	Matched       int            `json:"matched"`
	STPPassed     int            `json:"stp_passed"`
	Queued        int            `json:"queued"`
	Blocked       []BlockedGroup `json:"blocked,omitempty"`
	Differences   int            `json:"differences"`
	Error         string         `json:"error,omitempty"`
}

// ShardCheckpoint records per-shard progress so a failed shard re-executes
// from its last checkpoint without touching other shards.
type ShardCheckpoint struct {
	RunID        string    `json:"run_id"`
	Shard        int       `json:"shard"`
	GroupsDone   int       `json:"groups_done"`
	LastGroupID  string    `json:"last_group_id"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}
