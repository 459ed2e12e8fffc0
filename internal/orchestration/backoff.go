package orchestration

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 30 * time.Second
)

// Backoff computes jittered exponential delays between retries.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// jitter returns a value in [0, 1). Defaults to math/rand/v2.
	jitter func() float64
}

// DefaultBackoff returns the standard policy: 1s, x2, capped at 30s.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		MaxDelay:     DefaultMaxDelay,
	}
}

// WithJitterSource returns a copy of b drawing jitter from src. Used by tests.
func (b *Backoff) WithJitterSource(src func() float64) *Backoff {
	cp := *b
	cp.jitter = src
	return &cp
}

// Delay returns min(MaxDelay, InitialDelay * Multiplier^(attempt-1) * jitter) with
// jitter drawn from [0.5, 1.0). Attempts below 1 are treated as 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	rnd := rand.Float64
	if b.jitter != nil {
		rnd = b.jitter
	}
	jitter := 0.5 + rnd()*0.5

	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1)) * jitter
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Wait blocks for Delay(attempt) or until ctx is done.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	return sleep(ctx, b.Delay(attempt))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
