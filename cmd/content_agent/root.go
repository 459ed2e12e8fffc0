package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jonathan/content-pipeline/internal/config"
	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/observability"
	"github.com/jonathan/content-pipeline/internal/orchestration"
	"github.com/jonathan/content-pipeline/internal/stages"
)

// workerFactory builds the stage workers. The returned func releases them.
type workerFactory func(ctx context.Context, cfg *config.Config) (map[orchestration.Stage]orchestration.Worker, func(), error)

// cli carries state shared by every command.
type cli struct {
	v          *viper.Viper
	configPath string
	stderr     io.Writer

	cfg    *config.Config
	logger *slog.Logger

	workers workerFactory
}

func newCLI() *cli {
	return &cli{
		v:       config.NewViper(),
		stderr:  os.Stderr,
		workers: llmWorkers,
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "content_agent",
		Short: "Checkpointed content generation pipeline",
		Long: `content_agent drives a theme through five agent stages (research, ideation,
critique, analysis, writing), checkpointing after each stage so an interrupted or
failed session can be resumed where it stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to a JSON, YAML or TOML config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.String("storage", config.StorageAuto, "storage backend (auto, memory, sqlite, postgres)")
	pf.String("sqlite-path", "", "SQLite database file")
	pf.String("database-url", "", "PostgreSQL connection URL (defaults to DATABASE_URL)")
	_ = c.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = c.v.BindPFlag("storage", pf.Lookup("storage"))
	_ = c.v.BindPFlag("sqlite_path", pf.Lookup("sqlite-path"))
	_ = c.v.BindPFlag("database_url", pf.Lookup("database-url"))

	root.AddCommand(
		runCmd(c),
		resumeCmd(c),
		statusCmd(c),
		checkpointsCmd(c),
		cleanupCmd(c),
		migrateCmd(c),
		serveCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, c.stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	c.cfg = cfg
	c.logger = logger
	return nil
}

// llmWorkers backs every stage with the Gemini client.
func llmWorkers(ctx context.Context, cfg *config.Config) (map[orchestration.Stage]orchestration.Worker, func(), error) {
	if cfg.GeminiAPIKey == "" {
		return nil, nil, errors.New("gemini_api_key is required (set GEMINI_API_KEY or CONTENT_GEMINI_API_KEY)")
	}
	client, err := llm.NewClient(ctx, cfg.LLMConfig(), cfg.GeminiAPIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	return stages.NewRegistry(client), func() { _ = client.Close() }, nil
}
