// Package supervisor owns the executors of all sessions running in this process.
// It starts and resumes runs in the background, guards each session with a lease,
// and fans progress events out to subscribers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/content-pipeline/internal/lease"
	"github.com/jonathan/content-pipeline/internal/orchestration"
)

// subscriberBuffer is the per-subscriber event backlog; events beyond it are dropped.
const subscriberBuffer = 64

var (
	// ErrAlreadyRunning is returned when the session is active in this process.
	ErrAlreadyRunning = errors.New("session is already running")
	// ErrNotActive is returned for a session with no active run in this process.
	ErrNotActive = errors.New("session is not active")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// Config wires a Supervisor.
type Config struct {
	// Deps are shared by every executor. Deps.Sink, if set, receives the events of
	// every session in addition to subscribers.
	Deps     orchestration.Deps
	Options  orchestration.Options
	Locker   lease.Locker
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// Supervisor runs sessions in background goroutines, at most one per session.
type Supervisor struct {
	deps     orchestration.Deps
	opts     orchestration.Options
	locker   lease.Locker
	leaseTTL time.Duration
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*Run
	starting map[string]struct{}
	closed   bool
}

// New builds a Supervisor. Executor dependencies are validated up front.
func New(cfg Config) (*Supervisor, error) {
	if _, err := orchestration.NewExecutor(cfg.Deps, cfg.Options); err != nil {
		return nil, err
	}
	if cfg.Locker == nil {
		cfg.Locker = lease.NewMemoryLocker()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		deps:     cfg.Deps,
		opts:     cfg.Options,
		locker:   cfg.Locker,
		leaseTTL: cfg.LeaseTTL,
		logger:   cfg.Logger,
		baseCtx:  ctx,
		stop:     stop,
		runs:     make(map[string]*Run),
		starting: make(map[string]struct{}),
	}, nil
}

// Start begins a fresh run in the background. An empty SessionID gets a generated one.
func (s *Supervisor) Start(ctx context.Context, req orchestration.RunRequest) (*Run, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return s.launch(ctx, req.SessionID, func(ctx context.Context, e *orchestration.Executor) (*orchestration.RunResult, error) {
		return e.ExecuteFull(ctx, req)
	})
}

// Resume continues a session from its latest checkpoint in the background.
func (s *Supervisor) Resume(ctx context.Context, sessionID string) (*Run, error) {
	return s.launch(ctx, sessionID, func(ctx context.Context, e *orchestration.Executor) (*orchestration.RunResult, error) {
		return e.ResumeFromCheckpoint(ctx, sessionID)
	})
}

type runFunc func(ctx context.Context, e *orchestration.Executor) (*orchestration.RunResult, error)

func (s *Supervisor) launch(ctx context.Context, sessionID string, fn runFunc) (*Run, error) {
	if err := s.reserve(sessionID); err != nil {
		return nil, err
	}
	// The reservation keeps other launches of this session out while the lease is
	// acquired without holding s.mu.
	defer s.unreserve(sessionID)

	l, err := s.locker.Acquire(ctx, sessionID, s.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for session %s: %w", sessionID, err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	run := newRun(sessionID, cancel)

	deps := s.deps
	sink := orchestration.ProgressSink(orchestration.CallbackSink{SessionID: sessionID, Callback: run.publish})
	if deps.Sink != nil {
		sink = orchestration.MultiSink{deps.Sink, sink}
	}
	deps.Sink = sink
	deps.Logger = s.logger.With("session_id", sessionID)

	exec, err := orchestration.NewExecutor(deps, s.opts)
	if err != nil {
		cancel()
		_ = l.Release(context.Background())
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = l.Release(context.Background())
		return nil, ErrShuttingDown
	}
	s.runs[sessionID] = run
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drive(runCtx, run, l, exec, fn)
	return run, nil
}

// reserve claims sessionID for a launch in progress.
func (s *Supervisor) reserve(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.runs[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	if _, ok := s.starting[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	s.starting[sessionID] = struct{}{}
	return nil
}

func (s *Supervisor) unreserve(sessionID string) {
	s.mu.Lock()
	delete(s.starting, sessionID)
	s.mu.Unlock()
}

func (s *Supervisor) drive(ctx context.Context, run *Run, l lease.Lease, exec *orchestration.Executor, fn runFunc) {
	defer s.wg.Done()

	keepDone := make(chan struct{})
	go s.keepAlive(ctx, run, l, keepDone)

	res, err := fn(ctx, exec)

	close(keepDone)
	if relErr := l.Release(context.Background()); relErr != nil {
		s.logger.Warn("failed to release session lease", "session_id", run.SessionID, "error", relErr)
	}

	s.mu.Lock()
	delete(s.runs, run.SessionID)
	s.mu.Unlock()

	run.finish(res, err)
	if err != nil {
		s.logger.Info("session run ended", "session_id", run.SessionID, "error", err)
	}
}

// keepAlive refreshes the lease until the run ends. A lost lease cancels the run so
// the new owner is the only one writing checkpoints.
func (s *Supervisor) keepAlive(ctx context.Context, run *Run, l lease.Lease, done <-chan struct{}) {
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Refresh(ctx, s.leaseTTL); err != nil {
				if errors.Is(err, lease.ErrLost) {
					s.logger.Warn("session lease lost, stopping run", "session_id", run.SessionID)
					run.cancel()
					return
				}
				s.logger.Warn("failed to refresh session lease", "session_id", run.SessionID, "error", err)
			}
		}
	}
}

// Get returns the active run for a session.
func (s *Supervisor) Get(sessionID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[sessionID]
	return run, ok
}

// Active lists the sessions currently running in this process, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe streams the events of an active session. The channel closes when the run
// ends or unsubscribe is called.
func (s *Supervisor) Subscribe(sessionID string) (<-chan orchestration.ProgressEvent, func(), error) {
	run, ok := s.Get(sessionID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	ch, unsubscribe := run.Subscribe()
	return ch, unsubscribe, nil
}

// Wait blocks until the session's active run finishes.
func (s *Supervisor) Wait(ctx context.Context, sessionID string) (*orchestration.RunResult, error) {
	run, ok := s.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	return run.Wait(ctx)
}

// Cancel stops an active run. The session stays resumable from its last checkpoint.
func (s *Supervisor) Cancel(sessionID string) error {
	run, ok := s.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	run.cancel()
	return nil
}

// Shutdown refuses new runs, cancels the active ones and waits for them to stop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
