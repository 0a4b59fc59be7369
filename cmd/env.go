package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trialdex/extract-cli/internal/config"
	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/internal/pipeline"
	"github.com/trialdex/extract-cli/internal/store"
	anthropicpkg "github.com/trialdex/extract-cli/pkg/anthropic"
)

// extractEnv holds the initialized store, engine client, and orchestrator
// needed by the extract/batch/serve commands.
type extractEnv struct {
	Store        store.Store
	Engine       anthropicpkg.Client
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the extraction environment.
func (env *extractEnv) Close() {
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initStore opens the configured store and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	return st, nil
}

// newEngine builds the Claude client from config. The base URL override is
// used by tests and proxy deployments.
func newEngine(cfg *config.Config) anthropicpkg.Client {
	var opts []option.RequestOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	return anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)
}

// initExtraction validates config for the given mode, then sets up the store,
// the engine client, and the orchestrator. Callers should defer env.Close().
func initExtraction(ctx context.Context, mode string) (*extractEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	engine := newEngine(cfg)

	return &extractEnv{
		Store:        st,
		Engine:       engine,
		Orchestrator: pipeline.NewOrchestrator(cfg, engine, st),
	}, nil
}

// persistRun records a finished extraction in the store. Persistence is
// advisory: failures are logged and the result on stdout stays the primary
// artifact. Runs after extraction because the NCT number may have been
// recovered from the paper text.
func persistRun(ctx context.Context, st store.Store, result *model.ExtractionResult) {
	if st == nil || result == nil {
		return
	}

	run, err := st.CreateRun(ctx, result.NCTID, result.DrugName)
	if err != nil {
		zap.L().Warn("store: create run failed", zap.Error(err))
		return
	}
	result.RunID = run.ID

	if err := st.SaveResult(ctx, run.ID, result); err != nil {
		zap.L().Warn("store: save result failed",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
}
