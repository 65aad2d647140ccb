package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "recon_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRun(t *testing.T, st *SQLiteStore) *model.Run {
	t.Helper()
	run, err := st.CreateRun(context.Background(), model.Run{
		SourceSystemA: "ledger",
		SourceSystemB: "bank",
		BusinessDate:  time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return run
}

func TestSQLiteRunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, st)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusRouting))

	result := &model.RunResult{
		Groups: 10, Matched: 7, STPPassed: 2, Queued: 1,
		Blocked: []model.BlockedGroup{{GroupID: "grp-9", Reason: model.BlockRuleVersionGap}},
	}
	require.NoError(t, st.UpdateRunResult(ctx, run.ID, result))
	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusCompleteWithErrors))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleteWithErrors, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 10, got.Result.Groups)
	require.Len(t, got.Result.Blocked, 1)
	assert.Equal(t, model.BlockRuleVersionGap, got.Result.Blocked[0].Reason)
}

func TestSQLiteUpdateMissingRun(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateRunStatus(context.Background(), "nope", model.RunStatusComplete)
	assert.Error(t, err)
}

func TestSQLiteListRunsFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := seedRun(t, st)
	seedRun(t, st)
	require.NoError(t, st.UpdateRunStatus(ctx, first.ID, model.RunStatusComplete))

	complete, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, first.ID, complete[0].ID)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLiteGroupsAndDifferences(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	groups := []model.MatchGroup{{
		ID:          "grp-1",
		RunID:       run.ID,
		Key:         model.NormalizedKey{Key: "K1", RuleID: "match-txn"},
		RuleID:      "match-txn",
		RuleVersion: 1,
		Cardinality: model.CardinalityOneToOne,
	}}
	require.NoError(t, st.AppendGroups(ctx, groups))

	diffs := []model.Difference{{
		ID: "diff-1", GroupID: "grp-1", Field: "amount",
		Type: model.DiffTypeNumeric, AbsoluteDelta: 2.5,
		ToleranceRuleID: "tol-txn", ToleranceVersion: 1,
	}}
	require.NoError(t, st.AppendDifferences(ctx, diffs))

	// Appends are insert-only: re-inserting the same id fails.
	assert.Error(t, st.AppendGroups(ctx, groups))
	assert.Error(t, st.AppendDifferences(ctx, diffs))
}

func TestSQLiteDecisionHistoryIsAppendOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	queued := model.GateDecision{
		ID: "dec-1", RunID: run.ID, GroupID: "grp-1",
		State: model.GateHITLQueued, Band: model.BandStandard,
		DecidedAt: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	resolved := model.GateDecision{
		ID: "dec-2", RunID: run.ID, GroupID: "grp-1",
		State: model.GateResolved, PreviousID: "dec-1", ActorID: "ops-7",
		DecidedAt: time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.AppendDecision(ctx, queued))
	require.NoError(t, st.AppendDecision(ctx, resolved))

	latest, err := st.LatestDecision(ctx, "grp-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "dec-2", latest.ID)
	assert.Equal(t, model.GateResolved, latest.State)

	history, err := st.DecisionHistory(ctx, "grp-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "dec-1", history[0].ID)
	assert.Equal(t, "dec-2", history[1].ID)
	assert.Equal(t, "dec-1", history[1].PreviousID)

	none, err := st.LatestDecision(ctx, "grp-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLiteListDecisionsWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	inside := model.GateDecision{
		ID: "dec-in", RunID: run.ID, GroupID: "grp-1", State: model.GateMatched,
		DecidedAt: time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
	}
	outside := model.GateDecision{
		ID: "dec-out", RunID: run.ID, GroupID: "grp-2", State: model.GateMatched,
		DecidedAt: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.AppendDecision(ctx, inside))
	require.NoError(t, st.AppendDecision(ctx, outside))

	got, err := st.ListDecisions(ctx, DecisionWindow{
		From: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dec-in", got[0].ID)
}

func TestSQLiteCheckpointUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, st)

	missing, err := st.GetCheckpoint(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, missing)

	cp := model.ShardCheckpoint{
		RunID: run.ID, Shard: 0, GroupsDone: 100, LastGroupID: "grp-100",
		CheckpointAt: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveCheckpoint(ctx, cp))

	cp.GroupsDone = 200
	cp.LastGroupID = "grp-200"
	require.NoError(t, st.SaveCheckpoint(ctx, cp))

	got, err := st.GetCheckpoint(ctx, run.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 200, got.GroupsDone)
	assert.Equal(t, "grp-200", got.LastGroupID)
}
