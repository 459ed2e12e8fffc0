package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/content-pipeline/internal/observability"
	"github.com/jonathan/content-pipeline/internal/retention"
	"github.com/jonathan/content-pipeline/internal/server"
	"github.com/jonathan/content-pipeline/internal/server/ratelimit"
)

// limiterPruneInterval is how often idle rate-limit buckets are dropped.
const limiterPruneInterval = 10 * time.Minute

func serveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		Long: `Start an HTTP server that starts, resumes and streams pipeline sessions, and
prunes expired checkpoints in the background.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, prometheus.DefaultRegisterer, nil)
		},
	}

	cmd.Flags().Int("port", 8080, "Port to listen on")
	_ = c.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

// serve runs the API server, the retention pruner and the supervisor until ctx ends.
// ready, if non-nil, receives the server once it is wired.
func (c *cli) serve(ctx context.Context, reg prometheus.Registerer, ready chan<- *server.Server) error {
	metrics := observability.NewMetrics(reg)

	rt, err := c.newRuntime(ctx, nil, metrics)
	if err != nil {
		return err
	}
	defer rt.close()

	limiter := ratelimit.NewLimiter(ratelimit.DefaultRules(c.cfg.RateLimitPerHour))
	srv, err := server.New(server.Config{
		Port:        c.cfg.Port,
		Supervisor:  rt.sup,
		Checkpoints: rt.stores.checkpoints,
		Sessions:    rt.stores.sessions,
		Limiter:     limiter,
		Recorder:    metrics,
		Logger:      c.logger,
	})
	if err != nil {
		return err
	}

	pruner := retention.NewPruner(rt.stores.checkpoints, c.logger)
	pruner.RetentionDays = c.cfg.RetentionDays
	pruner.Interval = c.cfg.PruneInterval
	pruner.Recorder = metrics

	if ready != nil {
		ready <- srv
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return pruner.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(limiterPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(); n > 0 {
					c.logger.Debug("pruned idle rate limit buckets", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.logger.Info("stopping active sessions", "count", len(rt.sup.Active()))
		return rt.sup.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
