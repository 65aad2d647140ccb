package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/recon-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for local and single-node runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS recon_runs (
	id              TEXT PRIMARY KEY,
	source_system_a TEXT NOT NULL,
	source_system_b TEXT NOT NULL,
	business_date   DATETIME NOT NULL,
	status          TEXT NOT NULL DEFAULT 'queued',
	result          TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS match_groups (
	id     TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES recon_runs(id),
	body   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS differences (
	id       TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	body     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS gate_decisions (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	group_id    TEXT NOT NULL,
	state       TEXT NOT NULL,
	previous_id TEXT,
	decided_at  DATETIME NOT NULL,
	body        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS shard_checkpoints (
	run_id        TEXT NOT NULL,
	shard         INTEGER NOT NULL,
	groups_done   INTEGER NOT NULL,
	last_group_id TEXT NOT NULL,
	checkpoint_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, shard)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON recon_runs(status);
CREATE INDEX IF NOT EXISTS idx_groups_run_id ON match_groups(run_id);
CREATE INDEX IF NOT EXISTS idx_diffs_group_id ON differences(group_id);
CREATE INDEX IF NOT EXISTS idx_decisions_group_id ON gate_decisions(group_id);
CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON gate_decisions(decided_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recon_runs (id, source_system_a, source_system_b, business_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceSystemA, run.SourceSystemB, run.BusinessDate, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recon_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recon_runs SET result = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_system_a, source_system_b, business_date, status, result, created_at, updated_at
		 FROM recon_runs WHERE id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source_system_a, source_system_b, business_date, status, result, created_at, updated_at
	          FROM recon_runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AppendGroups(ctx context.Context, groups []model.MatchGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append groups")
	}
	defer tx.Rollback()

	for _, g := range groups {
		body, err := json.Marshal(g)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal group")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO match_groups (id, run_id, body) VALUES (?, ?, ?)`,
			g.ID, g.RunID, string(body),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert group %s", g.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit groups")
}

func (s *SQLiteStore) AppendDifferences(ctx context.Context, diffs []model.Difference) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append differences")
	}
	defer tx.Rollback()

	for _, d := range diffs {
		body, err := json.Marshal(d)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal difference")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO differences (id, group_id, body) VALUES (?, ?, ?)`,
			d.ID, d.GroupID, string(body),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert difference %s", d.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit differences")
}

func (s *SQLiteStore) AppendDecision(ctx context.Context, decision model.GateDecision) error {
	body, err := json.Marshal(decision)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal decision")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gate_decisions (id, run_id, group_id, state, previous_id, decided_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.RunID, decision.GroupID, string(decision.State),
		nullable(decision.PreviousID), decision.DecidedAt, string(body),
	)
	return eris.Wrapf(err, "sqlite: insert decision %s", decision.ID)
}

func (s *SQLiteStore) LatestDecision(ctx context.Context, groupID string) (*model.GateDecision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM gate_decisions WHERE group_id = ? ORDER BY decided_at DESC, id DESC LIMIT 1`,
		groupID,
	)
	return scanDecision(row)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, window DecisionWindow) ([]model.GateDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM gate_decisions WHERE decided_at >= ? AND decided_at < ? ORDER BY decided_at`,
		window.From, window.To,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func (s *SQLiteStore) DecisionHistory(ctx context.Context, groupID string) ([]model.GateDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM gate_decisions WHERE group_id = ? ORDER BY decided_at, id`,
		groupID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: decision history")
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.ShardCheckpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shard_checkpoints (run_id, shard, groups_done, last_group_id, checkpoint_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, shard) DO UPDATE SET
		   groups_done = excluded.groups_done,
		   last_group_id = excluded.last_group_id,
		   checkpoint_at = excluded.checkpoint_at`,
		cp.RunID, cp.Shard, cp.GroupsDone, cp.LastGroupID, cp.CheckpointAt,
	)
	return eris.Wrap(err, "sqlite: save checkpoint")
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string, shard int) (*model.ShardCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, shard, groups_done, last_group_id, checkpoint_at
		 FROM shard_checkpoints WHERE run_id = ? AND shard = ?`,
		runID, shard,
	)
	var cp model.ShardCheckpoint
	err := row.Scan(&cp.RunID, &cp.Shard, &cp.GroupsDone, &cp.LastGroupID, &cp.CheckpointAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get checkpoint")
	}
	return &cp, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var resultJSON sql.NullString
	var status string

	err := row.Scan(&r.ID, &r.SourceSystemA, &r.SourceSystemB, &r.BusinessDate, &status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Status = model.RunStatus(status)

	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal run result")
		}
	}
	return &r, nil
}

func scanDecision(row scannable) (*model.GateDecision, error) {
	var body string
	err := row.Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan decision")
	}
	var d model.GateDecision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, eris.Wrap(err, "unmarshal decision")
	}
	return &d, nil
}

func collectDecisions(rows *sql.Rows) ([]model.GateDecision, error) {
	var out []model.GateDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "iterate decisions")
}
