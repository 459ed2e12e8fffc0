package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/observability"
	"github.com/jonathan/content-pipeline/internal/orchestration"
	"github.com/jonathan/content-pipeline/internal/supervisor"
)

func runCmd(c *cli) *cobra.Command {
	var req orchestration.RunRequest

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline for a theme",
		Long: `Run all five stages for a theme in the foreground, printing progress as it
goes. Interrupting with Ctrl+C leaves the session resumable with 'resume'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.SessionID == "" {
				req.SessionID = uuid.NewString()
			}
			return c.execute(cmd, func(ctx context.Context, sup *supervisor.Supervisor) (*supervisor.Run, error) {
				return sup.Start(ctx, req)
			})
		},
	}

	cmd.Flags().StringVar(&req.Theme, "theme", "", "theme to write about (required)")
	cmd.Flags().StringVar(&req.UserID, "user", "", "user the session belongs to (required)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session ID (generated when empty)")
	_ = cmd.MarkFlagRequired("theme")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func resumeCmd(c *cli) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a session from its latest checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.execute(cmd, func(ctx context.Context, sup *supervisor.Supervisor) (*supervisor.Run, error) {
				return sup.Resume(ctx, sessionID)
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID to resume (required)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

type startFunc func(ctx context.Context, sup *supervisor.Supervisor) (*supervisor.Run, error)

// execute runs one session in the foreground and prints its progress and result.
func (c *cli) execute(cmd *cobra.Command, start startFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := observability.NewPrinter(cmd.OutOrStdout())
	rt, err := c.newRuntime(ctx, orchestration.CallbackSink{Callback: printer.PrintEvent}, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	run, err := start(ctx, rt.sup)
	if err != nil {
		return err
	}
	c.logger.Debug("session started", "session_id", run.SessionID, "backend", rt.stores.backend)

	// An interrupt stops the run at its next cancellation point; the session keeps
	// its checkpoints.
	stopCancel := context.AfterFunc(ctx, func() { _ = rt.sup.Cancel(run.SessionID) })
	defer stopCancel()

	<-run.Done()
	res, runErr := run.Result()
	if res != nil {
		printer.PrintRunResult(res)
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted. Resume with: content_agent resume --session %s\n", run.SessionID)
		return fmt.Errorf("session %s interrupted", run.SessionID)
	case res != nil && res.Status == checkpoint.StatusError:
		if res.Error != nil && res.Error.Retryable {
			fmt.Fprintf(cmd.ErrOrStderr(), "Resume with: content_agent resume --session %s\n", run.SessionID)
		}
		return fmt.Errorf("session %s failed", run.SessionID)
	case runErr != nil:
		return runErr
	}
	return nil
}
