package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/config"
	"github.com/jonathan/content-pipeline/internal/db"
	"github.com/jonathan/content-pipeline/internal/db/sqlite"
	"github.com/jonathan/content-pipeline/internal/lease"
	"github.com/jonathan/content-pipeline/internal/orchestration"
	"github.com/jonathan/content-pipeline/internal/supervisor"
)

// stores is an open storage backend.
type stores struct {
	backend     string
	checkpoints checkpoint.Store
	sessions    checkpoint.SessionStore
	migrated    []int64
	close       func()
}

// openStores connects to the configured backend and brings its schema up to date.
func (c *cli) openStores(ctx context.Context) (*stores, error) {
	backend := c.cfg.Backend()
	switch backend {
	case config.StorageMemory:
		c.logger.Warn("using in-memory storage; sessions are lost on exit")
		mem := checkpoint.NewMemoryStore()
		return &stores{backend: backend, checkpoints: mem, sessions: mem, close: func() {}}, nil

	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, c.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("opened sqlite store", "path", c.cfg.SQLitePath)
		return &stores{backend: backend, checkpoints: s, sessions: s, close: func() { _ = s.Close() }}, nil

	case config.StoragePostgres:
		database, err := db.Connect(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		applied, err := database.Migrate(ctx)
		if err != nil {
			database.Close()
			return nil, err
		}
		if len(applied) > 0 {
			c.logger.Info("applied migrations", "versions", applied)
		}
		return &stores{backend: backend, checkpoints: database, sessions: database, migrated: applied, close: database.Close}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// locker returns a Redis lease locker when redis_url is set, else an in-process one.
func (c *cli) locker(ctx context.Context) (lease.Locker, func(), error) {
	if c.cfg.RedisURL == "" {
		return lease.NewMemoryLocker(), func() {}, nil
	}
	rl, err := lease.NewRedisLocker(ctx, c.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rl, func() { _ = rl.Close() }, nil
}

// runtime is everything needed to execute sessions.
type runtime struct {
	stores *stores
	sup    *supervisor.Supervisor
	close  func()
}

// newRuntime opens storage, workers and the lease locker and builds a supervisor.
func (c *cli) newRuntime(ctx context.Context, sink orchestration.ProgressSink, metrics orchestration.Metrics) (*runtime, error) {
	st, err := c.openStores(ctx)
	if err != nil {
		return nil, err
	}
	closers := []func(){st.close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	workers, releaseWorkers, err := c.workers(ctx, c.cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, releaseWorkers)

	locker, closeLocker, err := c.locker(ctx)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, closeLocker)

	sup, err := supervisor.New(supervisor.Config{
		Deps: orchestration.Deps{
			Workers:     workers,
			Checkpoints: st.checkpoints,
			Sessions:    st.sessions,
			Backoff:     c.cfg.Backoff(),
			Sink:        sink,
			Logger:      c.logger,
			Metrics:     metrics,
		},
		Options:  c.cfg.ExecutorOptions(),
		Locker:   locker,
		LeaseTTL: c.cfg.LeaseTTL,
		Logger:   c.logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	return &runtime{stores: st, sup: sup, close: closeAll}, nil
}
