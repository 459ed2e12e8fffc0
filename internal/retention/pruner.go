// Package retention periodically deletes checkpoints that fell out of the retention window.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
)

// Default policy values.
const (
	DefaultRetentionDays = 30
	DefaultInterval      = time.Hour
)

// Cleaner is the part of checkpoint.Store the pruner needs.
type Cleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Recorder is told how many checkpoints each pass removed.
type Recorder interface {
	CheckpointsPruned(n int64)
}

// Pruner deletes old checkpoints on a fixed interval.
type Pruner struct {
	Store         Cleaner
	RetentionDays int
	Interval      time.Duration
	Recorder      Recorder
	Logger        *slog.Logger
}

// NewPruner returns a Pruner with the default policy.
func NewPruner(store Cleaner, logger *slog.Logger) *Pruner {
	return &Pruner{
		Store:         store,
		RetentionDays: DefaultRetentionDays,
		Interval:      DefaultInterval,
		Logger:        logger,
	}
}

// Run prunes once immediately and then on every tick until ctx is done. It returns
// nil on cancellation and an error only for an invalid policy.
func (p *Pruner) Run(ctx context.Context) error {
	if p.RetentionDays < 1 {
		return checkpoint.ErrInvalidRetention
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.PruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single cleanup pass. Failures are logged, not returned, so one
// bad pass does not stop the loop.
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}

	n, err := p.Store.Cleanup(ctx, p.RetentionDays)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("failed to prune checkpoints", "retention_days", p.RetentionDays, "error", err)
		}
		return 0
	}
	if p.Recorder != nil {
		p.Recorder.CheckpointsPruned(n)
	}
	if n > 0 {
		log.Info("pruned checkpoints", "deleted", n, "retention_days", p.RetentionDays)
	}
	return n
}
