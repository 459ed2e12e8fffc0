package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/observability"
	"github.com/jonathan/content-pipeline/internal/orchestration"
)

func statusCmd(c *cli) *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a session's progress, or list recent sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := c.openStores(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			printer := observability.NewPrinter(cmd.OutOrStdout())
			if sessionID == "" {
				sessions, err := st.sessions.ListSessions(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to list sessions: %w", err)
				}
				printer.PrintSessions(sessions)
				return nil
			}

			sess, err := st.sessions.GetSession(ctx, sessionID)
			if err != nil && !errors.Is(err, checkpoint.ErrSessionNotFound) {
				return err
			}
			cp, err := st.checkpoints.GetLatest(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("failed to load checkpoint: %w", err)
			}
			if sess == nil && cp == nil {
				return fmt.Errorf("%w: %s", checkpoint.ErrSessionNotFound, sessionID)
			}

			var state *orchestration.RunState
			if cp != nil {
				s, err := orchestration.DeserializeState(cp.State)
				if err != nil {
					return err
				}
				state = &s
			}
			if sess == nil {
				// Checkpoints outlived the session row; describe it from the state.
				sess = &checkpoint.Session{
					ID:        sessionID,
					UserID:    state.UserID,
					Theme:     state.Theme,
					Status:    checkpoint.StatusProcessing,
					UpdatedAt: cp.CreatedAt,
				}
			}
			printer.PrintSession(sess, state)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (lists recent sessions when empty)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func checkpointsCmd(c *cli) *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List a session's checkpoints, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1, got %d", limit)
			}
			ctx := cmd.Context()
			st, err := c.openStores(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			cps, err := checkpoint.Collect(st.checkpoints.List(ctx, sessionID, checkpoint.ListOptions{Limit: limit}))
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			observability.NewPrinter(cmd.OutOrStdout()).PrintCheckpoints(cps)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum checkpoints to list")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
