package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-engine/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgresMigrate(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS recon_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateRunAssignsDefaults(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO recon_runs").
		WithArgs(pgxmock.AnyArg(), "ledger", "bank", pgxmock.AnyArg(), "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := st.CreateRun(context.Background(), model.Run{
		SourceSystemA: "ledger",
		SourceSystemB: "bank",
		BusinessDate:  time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunStatusMissingRun(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE recon_runs SET status").
		WithArgs("complete", pgxmock.AnyArg(), "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateRunStatus(context.Background(), "nope", model.RunStatusComplete)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRunUnmarshalsResult(t *testing.T) {
	st, mock := newMockStore(t)

	result := &model.RunResult{
		Groups:  5,
		Matched: 3,
		Blocked: []model.BlockedGroup{{GroupID: "grp-9", Reason: model.BlockRuleVersionGap}},
	}
	body, err := json.Marshal(result)
	require.NoError(t, err)

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, source_system_a, source_system_b").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_system_a", "source_system_b", "business_date", "status", "result", "created_at", "updated_at",
		}).AddRow("run-1", "ledger", "bank", now, "completed_with_errors", body, now, now))

	run, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleteWithErrors, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 5, run.Result.Groups)
	require.Len(t, run.Result.Blocked, 1)
	assert.Equal(t, model.BlockRuleVersionGap, run.Result.Blocked[0].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendDecisionAndLatest(t *testing.T) {
	st, mock := newMockStore(t)

	decision := model.GateDecision{
		ID:        "dec-1",
		RunID:     "run-1",
		GroupID:   "grp-1",
		State:     model.GateHITLQueued,
		Band:      model.BandExpedited,
		DecidedAt: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec("INSERT INTO gate_decisions").
		WithArgs("dec-1", "run-1", "grp-1", "HITL_QUEUED", pgxmock.AnyArg(), decision.DecidedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.AppendDecision(context.Background(), decision))

	body, err := json.Marshal(decision)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT body FROM gate_decisions WHERE group_id").
		WithArgs("grp-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

	latest, err := st.LatestDecision(context.Background(), "grp-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "dec-1", latest.ID)
	assert.Equal(t, model.GateHITLQueued, latest.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestDecisionNoRows(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT body FROM gate_decisions WHERE group_id").
		WithArgs("grp-unknown").
		WillReturnError(pgx.ErrNoRows)

	latest, err := st.LatestDecision(context.Background(), "grp-unknown")
	require.NoError(t, err)
	assert.Nil(t, latest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointRoundTrip(t *testing.T) {
	st, mock := newMockStore(t)

	cp := model.ShardCheckpoint{
		RunID:        "run-1",
		Shard:        2,
		GroupsDone:   150,
		LastGroupID:  "grp-150",
		CheckpointAt: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec("INSERT INTO shard_checkpoints").
		WithArgs("run-1", 2, 150, "grp-150", cp.CheckpointAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.SaveCheckpoint(context.Background(), cp))

	mock.ExpectQuery("SELECT run_id, shard, groups_done").
		WithArgs("run-1", 2).
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "shard", "groups_done", "last_group_id", "checkpoint_at",
		}).AddRow("run-1", 2, 150, "grp-150", cp.CheckpointAt))

	got, err := st.GetCheckpoint(context.Background(), "run-1", 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 150, got.GroupsDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCheckpointMissing(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT run_id, shard, groups_done").
		WithArgs("run-1", 0).
		WillReturnError(pgx.ErrNoRows)

	got, err := st.GetCheckpoint(context.Background(), "run-1", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
