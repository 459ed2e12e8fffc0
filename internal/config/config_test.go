package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/orchestration"
)

// clearEnv blanks variables that would leak from the developer's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"DATABASE_URL", "GEMINI_API_KEY", "REDIS_URL"} {
		t.Setenv(name, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, StorageAuto, cfg.Storage)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, orchestration.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, orchestration.DefaultMaxDelay, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, orchestration.DefaultStageTimeout, cfg.StageTimeout)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, time.Hour, cfg.PruneInterval)
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, StorageSQLite, cfg.Backend())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTENT_LOG_LEVEL", "DEBUG")
	t.Setenv("CONTENT_MAX_RETRIES", "5")
	t.Setenv("CONTENT_STAGE_TIMEOUT", "90s")
	t.Setenv("DATABASE_URL", "postgres://localhost/content")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.StageTimeout)
	assert.Equal(t, "postgres://localhost/content", cfg.DatabaseURL)
	assert.Equal(t, StoragePostgres, cfg.Backend())
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTENT_GEMINI_API_KEY", "prefixed")
	t.Setenv("GEMINI_API_KEY", "legacy")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cfg.GeminiAPIKey)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "config.yaml",
			content: `storage: memory
log_format: json
port: 9090
max_delay: 1m
model_advanced: gemini-custom
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"storage":"memory","log_format":"json","port":9090,"max_delay":"1m","model_advanced":"gemini-custom"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			cfg, err := Load(NewViper(), path)
			require.NoError(t, err)

			assert.Equal(t, StorageMemory, cfg.Backend())
			assert.Equal(t, "json", cfg.LogFormat)
			assert.Equal(t, 9090, cfg.Port)
			assert.Equal(t, time.Minute, cfg.MaxDelay)
			assert.Equal(t, "gemini-custom", cfg.LLMConfig().GetModel(llm.TierAdvanced))
		})
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o644))
	t.Setenv("CONTENT_PORT", "7070")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown log level",
			env:     map[string]string{"CONTENT_LOG_LEVEL": "verbose"},
			wantErr: "LogLevel",
		},
		{
			name:    "unknown storage",
			env:     map[string]string{"CONTENT_STORAGE": "mongo"},
			wantErr: "Storage",
		},
		{
			name:    "max delay below initial delay",
			env:     map[string]string{"CONTENT_INITIAL_DELAY": "10s", "CONTENT_MAX_DELAY": "1s"},
			wantErr: "MaxDelay",
		},
		{
			name:    "retention below one day",
			env:     map[string]string{"CONTENT_RETENTION_DAYS": "0"},
			wantErr: "RetentionDays",
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"CONTENT_STORAGE": "postgres"},
			wantErr: "requires database_url",
		},
		{
			name:    "port out of range",
			env:     map[string]string{"CONTENT_PORT": "70000"},
			wantErr: "Port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(NewViper(), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config error")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Backend(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"auto without url", Config{Storage: StorageAuto}, StorageSQLite},
		{"auto with url", Config{Storage: StorageAuto, DatabaseURL: "postgres://x"}, StoragePostgres},
		{"empty behaves as auto", Config{DatabaseURL: "postgres://x"}, StoragePostgres},
		{"explicit memory", Config{Storage: StorageMemory, DatabaseURL: "postgres://x"}, StorageMemory},
		{"explicit sqlite", Config{Storage: StorageSQLite}, StorageSQLite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Backend())
		})
	}
}

func TestConfig_Derived(t *testing.T) {
	cfg := Config{
		MaxRetries:        4,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 3,
		StageTimeout:      time.Minute,
		MaxResumes:        -1,
		ModelLite:         "lite-override",
	}

	b := cfg.Backoff()
	assert.Equal(t, 500*time.Millisecond, b.InitialDelay)
	assert.Equal(t, 3.0, b.Multiplier)
	assert.Equal(t, 10*time.Second, b.MaxDelay)

	opts := cfg.ExecutorOptions()
	assert.Equal(t, orchestration.Options{MaxRetries: 4, StageTimeout: time.Minute, MaxResumes: -1}, opts)

	lc := cfg.LLMConfig()
	assert.Equal(t, "lite-override", lc.GetModel(llm.TierLite))
	assert.Equal(t, llm.DefaultConfig().GetModel(llm.TierStandard), lc.GetModel(llm.TierStandard))
}
