// Package config loads settings from an optional config file, the environment and
// command-line flags, and validates them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/orchestration"
)

// EnvPrefix prefixes every environment override, e.g. CONTENT_LOG_LEVEL.
const EnvPrefix = "CONTENT"

// Storage backends.
const (
	StorageAuto     = "auto"
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config is the resolved application configuration.
type Config struct {
	Storage     string `mapstructure:"storage" validate:"oneof=auto memory sqlite postgres"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	RedisURL    string `mapstructure:"redis_url" validate:"omitempty,url"`

	GeminiAPIKey  string `mapstructure:"gemini_api_key"`
	ModelLite     string `mapstructure:"model_lite"`
	ModelStandard string `mapstructure:"model_standard"`
	ModelAdvanced string `mapstructure:"model_advanced"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
	Port      int    `mapstructure:"port" validate:"min=1,max=65535"`
	// RateLimitPerHour budgets run starts per client; 0 disables limiting.
	RateLimitPerHour int `mapstructure:"rate_limit_per_hour" validate:"min=0"`

	MaxRetries        int           `mapstructure:"max_retries" validate:"min=1,max=10"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" validate:"gte=1"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout" validate:"gt=0"`
	MaxResumes        int           `mapstructure:"max_resumes" validate:"min=-1,max=10"`

	RetentionDays int           `mapstructure:"retention_days" validate:"min=1"`
	PruneInterval time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl" validate:"gte=1s"`
}

var defaults = map[string]any{
	"storage":             StorageAuto,
	"database_url":        "",
	"sqlite_path":         filepath.Join(".content", "content.db"),
	"redis_url":           "",
	"gemini_api_key":      "",
	"model_lite":          "",
	"model_standard":      "",
	"model_advanced":      "",
	"log_level":           "info",
	"log_format":          "text",
	"port":                8080,
	"rate_limit_per_hour": 30,
	"max_retries":         orchestration.DefaultMaxRetries,
	"initial_delay":       time.Second,
	"max_delay":           orchestration.DefaultMaxDelay,
	"backoff_multiplier":  2.0,
	"stage_timeout":       orchestration.DefaultStageTimeout,
	"max_resumes":         orchestration.DefaultMaxResumes,
	"retention_days":      30,
	"prune_interval":      time.Hour,
	"lease_ttl":           2 * time.Minute,
}

// legacyEnv maps keys to the unprefixed variable names also honoured.
var legacyEnv = map[string]string{
	"database_url":   "DATABASE_URL",
	"gemini_api_key": "GEMINI_API_KEY",
	"redis_url":      "REDIS_URL",
}

// NewViper returns a viper instance with defaults and environment bindings set.
// Callers bind their command-line flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), name)
	}
	return v
}

// Load reads the config file at path (if any) into v, then decodes and validates
// the merged settings. The file format follows its extension (json, yaml, toml).
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Storage = strings.ToLower(cfg.Storage)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config error: %w", err)
	}

	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config error: storage %q requires database_url", c.Storage)
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config error: storage %q requires sqlite_path", c.Storage)
		}
	}
	return nil
}

// Backend resolves the "auto" storage setting: PostgreSQL when a database URL is
// set, SQLite otherwise.
func (c *Config) Backend() string {
	if c.Storage != StorageAuto && c.Storage != "" {
		return c.Storage
	}
	if c.DatabaseURL != "" {
		return StoragePostgres
	}
	return StorageSQLite
}

// Backoff returns the retry delay policy.
func (c *Config) Backoff() *orchestration.Backoff {
	return &orchestration.Backoff{
		InitialDelay: c.InitialDelay,
		Multiplier:   c.BackoffMultiplier,
		MaxDelay:     c.MaxDelay,
	}
}

// ExecutorOptions returns the executor tuning knobs.
func (c *Config) ExecutorOptions() orchestration.Options {
	return orchestration.Options{
		MaxRetries:   c.MaxRetries,
		StageTimeout: c.StageTimeout,
		MaxResumes:   c.MaxResumes,
	}
}

// LLMConfig returns the model configuration with any per-tier overrides applied.
func (c *Config) LLMConfig() *llm.Config {
	cfg := llm.DefaultConfig()
	overrides := map[llm.ModelTier]string{
		llm.TierLite:     c.ModelLite,
		llm.TierStandard: c.ModelStandard,
		llm.TierAdvanced: c.ModelAdvanced,
	}
	for tier, model := range overrides {
		if model != "" {
			cfg = cfg.WithModel(tier, model)
		}
	}
	return cfg
}
