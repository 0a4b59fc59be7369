package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chtemp switches the working directory to a fresh temp dir so Load
// does not pick up a developer's config.yaml.
func chtemp(t *testing.T) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoadDefaults(t *testing.T) {
	chtemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "extract.db", cfg.Store.Path)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.MinConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	assert.True(t, cfg.Pipeline.Parallel)
	assert.Equal(t, 3, cfg.Pipeline.MaxConcurrentArms)
	assert.Equal(t, 4096, cfg.Pipeline.ThinkingBudget)
	assert.True(t, cfg.Pipeline.FigureExtraction)
	assert.InDelta(t, 3.0, cfg.Pipeline.SafetyTableThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Pipeline.Retry.InitialBackoffMs)
	assert.Equal(t, 5, cfg.Pipeline.Circuit.FailureThreshold)

	assert.Equal(t, 2, cfg.Batch.MaxConcurrentPapers)
	assert.Equal(t, ".extract-dlq.json", cfg.Batch.DLQPath)

	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.SonnetModel)
	assert.Equal(t, "claude-opus-4-6", cfg.Anthropic.OpusModel)

	assert.Equal(t, "https://eutils.ncbi.nlm.nih.gov/entrez/eutils", cfg.PubMed.BaseURL)
	assert.InDelta(t, 3.0, cfg.PubMed.RatePerSec, 1e-9)
	assert.Equal(t, "https://clinicaltrials.gov/api/v2", cfg.CTGov.BaseURL)
	assert.Equal(t, "ftp.ncbi.nlm.nih.gov:21", cfg.PMC.FTPHost)

	// Pricing falls back to the built-in table.
	require.NotNil(t, cfg.Pricing.Anthropic)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-haiku-4-5-20251001")
}

func TestLoadFromYAML(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/extract
anthropic:
  key: sk-test
  sonnet_model: claude-sonnet-test
pipeline:
  max_concurrent_arms: 5
  thinking_budget: 0
  retry:
    max_attempts: 7
server:
  port: 9090
log:
  level: debug
  format: console
`
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/extract", cfg.Store.DatabaseURL)
	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
	assert.Equal(t, "claude-sonnet-test", cfg.Anthropic.SonnetModel)
	assert.Equal(t, 5, cfg.Pipeline.MaxConcurrentArms)
	assert.Equal(t, 0, cfg.Pipeline.ThinkingBudget)
	assert.Equal(t, 7, cfg.Pipeline.Retry.MaxAttempts)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Unset values keep defaults.
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Equal(t, 500, cfg.Pipeline.Retry.InitialBackoffMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtemp(t)

	yaml := `
store:
  driver: sqlite
  path: from-file.db
`
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(wd, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("TRIALDEX_STORE_PATH", "from-env.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Store.Path)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chtemp(t)

	t.Setenv("TRIALDEX_ANTHROPIC_KEY", "sk-env")
	t.Setenv("TRIALDEX_SERVER_PORT", "3000")
	t.Setenv("TRIALDEX_PIPELINE_MAX_CONCURRENT_ARMS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Anthropic.Key)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrentArms)
}

func validConfig() *Config {
	return &Config{
		Store:     StoreConfig{Driver: "sqlite", Path: "extract.db"},
		Anthropic: AnthropicConfig{Key: "sk-test"},
		Pipeline: PipelineConfig{
			MaxConcurrentArms:    3,
			ThinkingBudget:       4096,
			SafetyTableThreshold: 3.0,
		},
		Batch:  BatchConfig{MaxConcurrentPapers: 2, MaxRetries: 3},
		Server: ServerConfig{Port: 8080},
		Notion: NotionConfig{Token: "secret", ReviewDB: "db-id"},
		PMC:    PMCConfig{TempDir: "/tmp/extract-pmc"},
	}
}

func TestValidateExtract(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate("extract"))

	cfg.Anthropic.Key = ""
	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateExtractPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/extract"
	require.NoError(t, cfg.Validate("extract"))
}

func TestValidateExtractBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.MaxConcurrentArms = 0
	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_arms must be between 1 and 16")

	cfg = validConfig()
	cfg.Pipeline.MaxConcurrentArms = 17
	err = cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_arms must be between 1 and 16")

	cfg = validConfig()
	cfg.Pipeline.ThinkingBudget = -1
	err = cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thinking_budget must be >= 0")
}

func TestValidateBatch(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate("batch"))

	cfg.Batch.MaxConcurrentPapers = 51
	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_papers must be between 1 and 50")
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateNotion(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate("notion"))

	cfg.Notion.Token = ""
	cfg.Notion.ReviewDB = ""
	err := cfg.Validate("notion")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notion.token is required")
	assert.Contains(t, err.Error(), "notion.review_db is required")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate("publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateAccumulatesProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Anthropic.Key = ""
	cfg.Store.Path = ""
	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "store.path is required")
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
