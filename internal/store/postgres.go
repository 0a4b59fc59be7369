package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/trialdex/extract-cli/internal/db"
	"github.com/trialdex/extract-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO extraction_runs (id, nct_id, drug_name, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE extraction_runs SET status = $1 WHERE id = $2`,
	"get_run":           `SELECT id, nct_id, drug_name, trial_name, status, arms, cost_usd, total_tokens, confidence, created_at, completed_at FROM extraction_runs WHERE id = $1`,
	"get_result":        `SELECT result FROM extraction_runs WHERE id = $1`,
	"trial_extracted":   `SELECT COUNT(*) FROM extractions WHERE nct_id = $1 AND drug_name = $2`,
	"get_trial_name":    `SELECT trial_name FROM trials WHERE nct_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
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

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS trials (
	nct_id     TEXT PRIMARY KEY,
	trial_name TEXT NOT NULL DEFAULT '',
	indication TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	nct_id       TEXT NOT NULL,
	drug_name    TEXT NOT NULL,
	trial_name   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'queued',
	arms         INTEGER NOT NULL DEFAULT 0,
	cost_usd     DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS extractions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	nct_id     TEXT NOT NULL,
	drug_name  TEXT NOT NULL,
	arm_name   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (nct_id, drug_name, arm_name)
);

CREATE TABLE IF NOT EXISTS endpoints (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	nct_id          TEXT NOT NULL,
	drug_name       TEXT NOT NULL,
	arm_name        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	name            TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	unit            TEXT NOT NULL DEFAULT '',
	timepoint       TEXT NOT NULL DEFAULT '',
	timepoint_weeks DOUBLE PRECISION,
	value           DOUBLE PRECISION,
	value_pct       DOUBLE PRECISION,
	numerator       INTEGER,
	total_n         INTEGER,
	p_value         TEXT NOT NULL DEFAULT '',
	source_table    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_status ON extraction_runs(status);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_nct ON extraction_runs(nct_id);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_created ON extraction_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_extractions_trial ON extractions(nct_id, drug_name);
CREATE INDEX IF NOT EXISTS idx_endpoints_trial ON endpoints(nct_id, drug_name);
CREATE INDEX IF NOT EXISTS idx_endpoints_kind ON endpoints(kind);
`

// Empty incoming fields never clobber a known trial name or indication.
const postgresUpsertTrial = `
INSERT INTO trials (nct_id, trial_name, indication, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (nct_id) DO UPDATE SET
	trial_name = CASE WHEN excluded.trial_name <> '' THEN excluded.trial_name ELSE trials.trial_name END,
	indication = CASE WHEN excluded.indication <> '' THEN excluded.indication ELSE trials.indication END,
	updated_at = excluded.updated_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, nctID, drugName string) (*model.ExtractionRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_runs (id, nct_id, drug_name, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, nctID, drugName, string(model.RunStatusQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.ExtractionRun{
		ID:        id,
		NCTID:     nctID,
		DrugName:  drugName,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs SET status = $1 WHERE id = $2`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, runID string, result *model.ExtractionResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	arms, costUSD, totalTokens, confidence := runSummary(result)
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_runs
		 SET status = $1, trial_name = $2, arms = $3, cost_usd = $4, total_tokens = $5, confidence = $6, result = $7, completed_at = $8
		 WHERE id = $9`,
		string(result.Status), result.TrialName, arms, costUSD, totalTokens, confidence,
		resultJSON, now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}

	if result.NCTID != "" {
		if _, err := s.pool.Exec(ctx, postgresUpsertTrial,
			result.NCTID, result.TrialName, result.Indication, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert trial %s", result.NCTID)
		}
	}

	// Failed and duplicate runs carry no extractions; never clobber rows
	// from an earlier successful run.
	if len(result.Extractions) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(result.Extractions))
	for _, ex := range result.Extractions {
		payload, err := json.Marshal(ex)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal extraction")
		}
		rows = append(rows, []any{uuid.New().String(), ex.NCTID, ex.DrugName, ex.ArmName, payload})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "extractions",
		Columns:      []string{"id", "nct_id", "drug_name", "arm_name", "payload"},
		ConflictKeys: []string{"nct_id", "drug_name", "arm_name"},
		UpdateCols:   []string{"payload"},
	}, rows); err != nil {
		return err
	}

	// The flattened endpoint view has no stable per-row key to upsert on,
	// so rows for the trial are replaced wholesale.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM endpoints WHERE nct_id = $1 AND drug_name = $2`,
		result.NCTID, result.DrugName,
	); err != nil {
		return eris.Wrap(err, "postgres: delete endpoints")
	}
	if _, err := db.CopyFrom(ctx, s.pool, "endpoints", endpointColumns, endpointRows(result)); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.ExtractionRun, error) {
	var r model.ExtractionRun
	var completedAt *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, nct_id, drug_name, trial_name, status, arms, cost_usd, total_tokens, confidence, created_at, completed_at
		 FROM extraction_runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.NCTID, &r.DrugName, &r.TrialName, &r.Status,
		&r.Arms, &r.CostUSD, &r.TotalTokens, &r.Confidence, &r.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("run not found: %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	r.CompletedAt = completedAt
	return &r, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, runID string) (*model.ExtractionResult, error) {
	var resultNull *[]byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM extraction_runs WHERE id = $1`,
		runID,
	).Scan(&resultNull)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("run not found: %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get result %s", runID)
	}
	if resultNull == nil {
		return nil, nil
	}

	var result model.ExtractionResult
	if err := json.Unmarshal(*resultNull, &result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &result, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ExtractionRun, error) {
	query := `SELECT id, nct_id, drug_name, trial_name, status, arms, cost_usd, total_tokens, confidence, created_at, completed_at FROM extraction_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.NCTID != "" {
		query += fmt.Sprintf(` AND nct_id = $%d`, argIdx)
		args = append(args, filter.NCTID)
		argIdx++
	}
	if filter.DrugName != "" {
		query += fmt.Sprintf(` AND drug_name = $%d`, argIdx)
		args = append(args, filter.DrugName)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ExtractionRun
	for rows.Next() {
		var r model.ExtractionRun
		var completedAt *time.Time

		if err := rows.Scan(&r.ID, &r.NCTID, &r.DrugName, &r.TrialName, &r.Status,
			&r.Arms, &r.CostUSD, &r.TotalTokens, &r.Confidence, &r.CreatedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.CompletedAt = completedAt
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) TrialAlreadyExtracted(ctx context.Context, nctID, drugName string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM extractions WHERE nct_id = $1 AND drug_name = $2`,
		nctID, drugName,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "postgres: trial already extracted")
	}
	return n > 0, nil
}

func (s *PostgresStore) GetTrialName(ctx context.Context, nctID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT trial_name FROM trials WHERE nct_id = $1`,
		nctID,
	).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrap(err, "postgres: get trial name")
	}
	return name, nil
}
