package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trialdex/extract-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	PubMed     PubMedConfig     `yaml:"pubmed" mapstructure:"pubmed"`
	CTGov      CTGovConfig      `yaml:"ctgov" mapstructure:"ctgov"`
	PMC        PMCConfig        `yaml:"pmc" mapstructure:"pmc"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. MaxConns and MinConns only
// apply to the postgres driver.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds completion-engine API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel   string `yaml:"opus_model" mapstructure:"opus_model"`
}

// PubMedConfig holds NCBI E-utilities settings.
type PubMedConfig struct {
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// CTGovConfig holds ClinicalTrials.gov API settings.
type CTGovConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PMCConfig holds PubMed Central open-access retrieval settings.
type PMCConfig struct {
	OABaseURL string `yaml:"oa_base_url" mapstructure:"oa_base_url"`
	FTPHost   string `yaml:"ftp_host" mapstructure:"ftp_host"`
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// NotionConfig holds Notion API credentials and the review database id.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// PipelineConfig configures extraction behavior.
type PipelineConfig struct {
	Parallel             bool    `yaml:"parallel" mapstructure:"parallel"`
	MaxConcurrentArms    int     `yaml:"max_concurrent_arms" mapstructure:"max_concurrent_arms"`
	ThinkingBudget       int     `yaml:"thinking_budget" mapstructure:"thinking_budget"`
	FigureExtraction     bool    `yaml:"figure_extraction" mapstructure:"figure_extraction"`
	SafetyTableThreshold float64 `yaml:"safety_table_threshold" mapstructure:"safety_table_threshold"`
	AliasRules           string  `yaml:"alias_rules" mapstructure:"alias_rules"`

	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig configures engine-call retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the engine circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentPapers int    `yaml:"max_concurrent_papers" mapstructure:"max_concurrent_papers"`
	MaxRetries          int    `yaml:"max_retries" mapstructure:"max_retries"`
	DLQPath             string `yaml:"dlq_path" mapstructure:"dlq_path"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background run-health checker and its
// alert webhook.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRIALDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "extract.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("batch.max_concurrent_papers", 2)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.dlq_path", ".extract-dlq.json")
	v.SetDefault("pipeline.parallel", true)
	v.SetDefault("pipeline.max_concurrent_arms", 3)
	v.SetDefault("pipeline.thinking_budget", 4096)
	v.SetDefault("pipeline.figure_extraction", true)
	v.SetDefault("pipeline.safety_table_threshold", 3.0)
	v.SetDefault("pipeline.alias_rules", "")
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_backoff_ms", 500)
	v.SetDefault("pipeline.retry.max_backoff_ms", 30000)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.retry.jitter_fraction", 0.25)
	v.SetDefault("pipeline.circuit.failure_threshold", 5)
	v.SetDefault("pipeline.circuit.reset_timeout_secs", 30)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opus_model", "claude-opus-4-6")
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.rate_per_sec", 3.0)
	v.SetDefault("ctgov.base_url", "https://clinicaltrials.gov/api/v2")
	v.SetDefault("pmc.oa_base_url", "https://www.ncbi.nlm.nih.gov/pmc/utils/oa/oa.fcgi")
	v.SetDefault("pmc.ftp_host", "ftp.ncbi.nlm.nih.gov:21")
	v.SetDefault("pmc.temp_dir", "/tmp/extract-pmc")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Pricing.Anthropic == nil {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
}

// Validate checks that the configuration required by the given mode is
// present and in bounds. Modes: extract, batch, serve, fetch, store, notion.
func (c *Config) Validate(mode string) error {
	var problems []string

	storeOK := func() {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.Path == "" {
				problems = append(problems, "store.path is required for the sqlite driver")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		default:
			problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
		}
	}

	engineOK := func() {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Pipeline.MaxConcurrentArms < 1 || c.Pipeline.MaxConcurrentArms > 16 {
			problems = append(problems, "pipeline.max_concurrent_arms must be between 1 and 16")
		}
		if c.Pipeline.ThinkingBudget < 0 {
			problems = append(problems, "pipeline.thinking_budget must be >= 0")
		}
		if c.Pipeline.SafetyTableThreshold < 0 {
			problems = append(problems, "pipeline.safety_table_threshold must be >= 0")
		}
	}

	switch mode {
	case "extract":
		engineOK()
		storeOK()
	case "batch":
		engineOK()
		storeOK()
		if c.Batch.MaxConcurrentPapers < 1 || c.Batch.MaxConcurrentPapers > 50 {
			problems = append(problems, "batch.max_concurrent_papers must be between 1 and 50")
		}
	case "serve":
		engineOK()
		storeOK()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "fetch":
		if c.PMC.TempDir == "" {
			problems = append(problems, "pmc.temp_dir is required")
		}
	case "store":
		storeOK()
	case "notion":
		storeOK()
		if c.Notion.Token == "" {
			problems = append(problems, "notion.token is required")
		}
		if c.Notion.ReviewDB == "" {
			problems = append(problems, "notion.review_db is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
