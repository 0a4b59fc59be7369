package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/trialdex/extract-cli/internal/model"
)

// RunFilter specifies criteria for listing extraction runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	NCTID        string          `json:"nct_id,omitempty"`
	DrugName     string          `json:"drug_name,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline. The
// orchestrator treats the store as optional: callers with no store simply
// re-extract every trial.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, nctID, drugName string) (*model.ExtractionRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SaveResult(ctx context.Context, runID string, result *model.ExtractionResult) error
	GetRun(ctx context.Context, runID string) (*model.ExtractionRun, error)
	GetResult(ctx context.Context, runID string) (*model.ExtractionResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ExtractionRun, error)

	// Trials
	TrialAlreadyExtracted(ctx context.Context, nctID, drugName string) (bool, error)
	GetTrialName(ctx context.Context, nctID string) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store for the configured driver. An empty driver defaults
// to SQLite.
func Open(ctx context.Context, driver, path, databaseURL string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(ctx, databaseURL, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
