package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock implements it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool (or a pgxmock in tests).
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS recon_runs (
	id              TEXT PRIMARY KEY,
	source_system_a TEXT NOT NULL,
	source_system_b TEXT NOT NULL,
	business_date   TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL DEFAULT 'queued',
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS match_groups (
	id     TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES recon_runs(id),
	body   JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS differences (
	id       TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	body     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS gate_decisions (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	group_id    TEXT NOT NULL,
	state       TEXT NOT NULL,
	previous_id TEXT,
	decided_at  TIMESTAMPTZ NOT NULL,
	body        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS shard_checkpoints (
	run_id        TEXT NOT NULL,
	shard         INTEGER NOT NULL,
	groups_done   INTEGER NOT NULL,
	last_group_id TEXT NOT NULL,
	checkpoint_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, shard)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON recon_runs(status);
CREATE INDEX IF NOT EXISTS idx_groups_run_id ON match_groups(run_id);
CREATE INDEX IF NOT EXISTS idx_diffs_group_id ON differences(group_id);
CREATE INDEX IF NOT EXISTS idx_decisions_group_id ON gate_decisions(group_id);
CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON gate_decisions(decided_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO recon_runs (id, source_system_a, source_system_b, business_date, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.SourceSystemA, run.SourceSystemB, run.BusinessDate, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recon_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recon_runs SET result = $1, updated_at = $2 WHERE id = $3`,
		resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source_system_a, source_system_b, business_date, status, result, created_at, updated_at
		 FROM recon_runs WHERE id = $1`, runID)
	return scanPgRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source_system_a, source_system_b, business_date, status, result, created_at, updated_at
	          FROM recon_runs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) AppendGroups(ctx context.Context, groups []model.MatchGroup) error {
	for _, g := range groups {
		body, err := json.Marshal(g)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal group")
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO match_groups (id, run_id, body) VALUES ($1, $2, $3)`,
			g.ID, g.RunID, body,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert group %s", g.ID)
		}
	}
	return nil
}

func (s *PostgresStore) AppendDifferences(ctx context.Context, diffs []model.Difference) error {
	for _, d := range diffs {
		body, err := json.Marshal(d)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal difference")
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO differences (id, group_id, body) VALUES ($1, $2, $3)`,
			d.ID, d.GroupID, body,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert difference %s", d.ID)
		}
	}
	return nil
}

func (s *PostgresStore) AppendDecision(ctx context.Context, decision model.GateDecision) error {
	body, err := json.Marshal(decision)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal decision")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_decisions (id, run_id, group_id, state, previous_id, decided_at, body)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		decision.ID, decision.RunID, decision.GroupID, string(decision.State),
		nullable(decision.PreviousID), decision.DecidedAt, body,
	)
	return eris.Wrapf(err, "postgres: insert decision %s", decision.ID)
}

func (s *PostgresStore) LatestDecision(ctx context.Context, groupID string) (*model.GateDecision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT body FROM gate_decisions WHERE group_id = $1 ORDER BY decided_at DESC, id DESC LIMIT 1`,
		groupID,
	)
	d, err := scanPgDecision(row)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, window DecisionWindow) ([]model.GateDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM gate_decisions WHERE decided_at >= $1 AND decided_at < $2 ORDER BY decided_at`,
		window.From, window.To,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()
	return collectPgDecisions(rows)
}

func (s *PostgresStore) DecisionHistory(ctx context.Context, groupID string) ([]model.GateDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM gate_decisions WHERE group_id = $1 ORDER BY decided_at, id`,
		groupID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: decision history")
	}
	defer rows.Close()
	return collectPgDecisions(rows)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.ShardCheckpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shard_checkpoints (run_id, shard, groups_done, last_group_id, checkpoint_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, shard) DO UPDATE SET
		   groups_done = excluded.groups_done,
		   last_group_id = excluded.last_group_id,
		   checkpoint_at = excluded.checkpoint_at`,
		cp.RunID, cp.Shard, cp.GroupsDone, cp.LastGroupID, cp.CheckpointAt,
	)
	return eris.Wrap(err, "postgres: save checkpoint")
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, runID string, shard int) (*model.ShardCheckpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, shard, groups_done, last_group_id, checkpoint_at
		 FROM shard_checkpoints WHERE run_id = $1 AND shard = $2`,
		runID, shard,
	)
	var cp model.ShardCheckpoint
	err := row.Scan(&cp.RunID, &cp.Shard, &cp.GroupsDone, &cp.LastGroupID, &cp.CheckpointAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get checkpoint")
	}
	return &cp, nil
}

// helpers

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var resultJSON []byte
	var status string

	err := row.Scan(&r.ID, &r.SourceSystemA, &r.SourceSystemB, &r.BusinessDate, &status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Status = model.RunStatus(status)

	if len(resultJSON) > 0 {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run result")
		}
	}
	return &r, nil
}

func scanPgDecision(row pgx.Row) (*model.GateDecision, error) {
	var body []byte
	err := row.Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan decision")
	}
	var d model.GateDecision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal decision")
	}
	return &d, nil
}

func collectPgDecisions(rows pgx.Rows) ([]model.GateDecision, error) {
	var out []model.GateDecision
	for rows.Next() {
		d, err := scanPgDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate decisions")
}
