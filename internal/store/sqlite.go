package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/trialdex/extract-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
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
CREATE TABLE IF NOT EXISTS trials (
	nct_id     TEXT PRIMARY KEY,
	trial_name TEXT NOT NULL DEFAULT '',
	indication TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	id           TEXT PRIMARY KEY,
	nct_id       TEXT NOT NULL,
	drug_name    TEXT NOT NULL,
	trial_name   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'queued',
	arms         INTEGER NOT NULL DEFAULT 0,
	cost_usd     REAL NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	confidence   REAL NOT NULL DEFAULT 0,
	result       TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS extractions (
	id         TEXT PRIMARY KEY,
	nct_id     TEXT NOT NULL,
	drug_name  TEXT NOT NULL,
	arm_name   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (nct_id, drug_name, arm_name)
);

CREATE TABLE IF NOT EXISTS endpoints (
	id              TEXT PRIMARY KEY,
	nct_id          TEXT NOT NULL,
	drug_name       TEXT NOT NULL,
	arm_name        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	name            TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	unit            TEXT NOT NULL DEFAULT '',
	timepoint       TEXT NOT NULL DEFAULT '',
	timepoint_weeks REAL,
	value           REAL,
	value_pct       REAL,
	numerator       INTEGER,
	total_n         INTEGER,
	p_value         TEXT NOT NULL DEFAULT '',
	source_table    TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_status ON extraction_runs(status);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_nct ON extraction_runs(nct_id);
CREATE INDEX IF NOT EXISTS idx_extraction_runs_created ON extraction_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_extractions_trial ON extractions(nct_id, drug_name);
CREATE INDEX IF NOT EXISTS idx_endpoints_trial ON endpoints(nct_id, drug_name);
CREATE INDEX IF NOT EXISTS idx_endpoints_kind ON endpoints(kind);
`

// Empty incoming fields never clobber a known trial name or indication.
const sqliteUpsertTrial = `
INSERT INTO trials (nct_id, trial_name, indication, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (nct_id) DO UPDATE SET
	trial_name = CASE WHEN excluded.trial_name <> '' THEN excluded.trial_name ELSE trials.trial_name END,
	indication = CASE WHEN excluded.indication <> '' THEN excluded.indication ELSE trials.indication END,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, nctID, drugName string) (*model.ExtractionRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (id, nct_id, drug_name, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, nctID, drugName, string(model.RunStatusQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.ExtractionRun{
		ID:        id,
		NCTID:     nctID,
		DrugName:  drugName,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET status = ? WHERE id = ?`,
		string(status), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, result *model.ExtractionResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	arms, costUSD, totalTokens, confidence := runSummary(result)
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE extraction_runs
		 SET status = ?, trial_name = ?, arms = ?, cost_usd = ?, total_tokens = ?, confidence = ?, result = ?, completed_at = ?
		 WHERE id = ?`,
		string(result.Status), result.TrialName, arms, costUSD, totalTokens, confidence,
		string(resultJSON), now, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}

	if result.NCTID != "" {
		if _, err := tx.ExecContext(ctx, sqliteUpsertTrial,
			result.NCTID, result.TrialName, result.Indication, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert trial %s", result.NCTID)
		}
	}

	// Failed and duplicate runs carry no extractions; never clobber rows
	// from an earlier successful run.
	if len(result.Extractions) > 0 {
		if err := replaceExtractions(ctx, tx, result); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit result")
}

func replaceExtractions(ctx context.Context, tx *sql.Tx, result *model.ExtractionResult) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM extractions WHERE nct_id = ? AND drug_name = ?`,
		result.NCTID, result.DrugName,
	); err != nil {
		return eris.Wrap(err, "sqlite: delete extractions")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM endpoints WHERE nct_id = ? AND drug_name = ?`,
		result.NCTID, result.DrugName,
	); err != nil {
		return eris.Wrap(err, "sqlite: delete endpoints")
	}

	for _, ex := range result.Extractions {
		payload, err := json.Marshal(ex)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal extraction")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO extractions (id, nct_id, drug_name, arm_name, payload) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), ex.NCTID, ex.DrugName, ex.ArmName, string(payload),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert extraction %s", ex.ArmName)
		}
	}

	insert := `INSERT INTO endpoints (` + strings.Join(endpointColumns, ", ") + `) VALUES (` + placeholders(len(endpointColumns)) + `)`
	for _, row := range endpointRows(result) {
		if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
			return eris.Wrap(err, "sqlite: insert endpoint")
		}
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.ExtractionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nct_id, drug_name, trial_name, status, arms, cost_usd, total_tokens, confidence, created_at, completed_at
		 FROM extraction_runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) GetResult(ctx context.Context, runID string) (*model.ExtractionResult, error) {
	var resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM extraction_runs WHERE id = ?`,
		runID,
	).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", runID)
	}
	if !resultJSON.Valid {
		return nil, nil
	}

	var result model.ExtractionResult
	if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &result, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ExtractionRun, error) {
	query := `SELECT id, nct_id, drug_name, trial_name, status, arms, cost_usd, total_tokens, confidence, created_at, completed_at FROM extraction_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.NCTID != "" {
		query += ` AND nct_id = ?`
		args = append(args, filter.NCTID)
	}
	if filter.DrugName != "" {
		query += ` AND drug_name = ?`
		args = append(args, filter.DrugName)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
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

	var runs []model.ExtractionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) TrialAlreadyExtracted(ctx context.Context, nctID, drugName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extractions WHERE nct_id = ? AND drug_name = ?`,
		nctID, drugName,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: trial already extracted")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetTrialName(ctx context.Context, nctID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT trial_name FROM trials WHERE nct_id = ?`,
		nctID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: get trial name")
	}
	return name, nil
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

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.ExtractionRun, error) {
	var r model.ExtractionRun
	var completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.NCTID, &r.DrugName, &r.TrialName, &r.Status,
		&r.Arms, &r.CostUSD, &r.TotalTokens, &r.Confidence, &r.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
