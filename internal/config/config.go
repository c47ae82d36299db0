package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Source   SourceConfig   `yaml:"source" mapstructure:"source"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Stages   StagesConfig   `yaml:"stages" mapstructure:"stages"`
	LLM      LLMConfig      `yaml:"llm" mapstructure:"llm"`
	Pricing  PricingConfig  `yaml:"pricing" mapstructure:"pricing"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// SourceConfig selects and configures where candidate items come from.
type SourceConfig struct {
	// Kind is "store" (previously ingested items) or "live" (forum API).
	Kind          string  `yaml:"kind" mapstructure:"kind"`
	ForumBaseURL  string  `yaml:"forum_base_url" mapstructure:"forum_base_url"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	PageSize      int     `yaml:"page_size" mapstructure:"page_size"`
}

// PipelineConfig configures the enrichment orchestrator.
type PipelineConfig struct {
	Concurrency      int  `yaml:"concurrency" mapstructure:"concurrency"`
	PerCallTimeoutMs int  `yaml:"per_call_timeout_ms" mapstructure:"per_call_timeout_ms"`
	MaxRetries       int  `yaml:"max_retries" mapstructure:"max_retries"`
	CopyEnabled      bool `yaml:"copy_enabled" mapstructure:"copy_enabled"`
}

// PerCallTimeout returns the bounded timeout applied to each external call.
func (c PipelineConfig) PerCallTimeout() time.Duration {
	return time.Duration(c.PerCallTimeoutMs) * time.Millisecond
}

// StagesConfig declares which analysis stages run and their dependencies.
type StagesConfig struct {
	Enabled []string `yaml:"enabled" mapstructure:"enabled"`
	// Dependencies maps a stage to its upstream stage (at most one).
	// Validated acyclic and enabled at startup.
	Dependencies map[string]string `yaml:"dependencies" mapstructure:"dependencies"`
}

// LLMConfig holds the analysis model settings.
type LLMConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PricingConfig holds per-stage fresh-call cost rates used to derive
// estimated savings from copy decisions.
type PricingConfig struct {
	// StageUSD maps a stage name to the approximate USD cost of one
	// fresh analysis call for that stage.
	StageUSD map[string]float64 `yaml:"stage_usd" mapstructure:"stage_usd"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("OPPSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "oppscan.db")
	v.SetDefault("source.kind", "store")
	v.SetDefault("source.forum_base_url", "https://www.reddit.com")
	v.SetDefault("source.user_agent", "oppscan/1.0 (business signal research)")
	v.SetDefault("source.rate_per_second", 1.0)
	v.SetDefault("source.page_size", 100)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.per_call_timeout_ms", 60000)
	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("pipeline.copy_enabled", true)
	v.SetDefault("stages.enabled", []string{"profiling", "monetization", "competition"})
	v.SetDefault("stages.dependencies", map[string]string{
		"monetization": "profiling",
		"competition":  "profiling",
	})
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("pricing.stage_usd", map[string]float64{
		"profiling":    0.012,
		"monetization": 0.018,
		"competition":  0.015,
	})
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

	return &cfg, nil
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
