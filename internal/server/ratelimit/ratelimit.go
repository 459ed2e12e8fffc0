// Package ratelimit throttles API clients with per-client token buckets. Run-starting
// endpoints get strict budgets since every accepted request spends model quota.
package ratelimit

import (
	"sync"
	"time"
)

// bucketIdle is how long an unused bucket survives cleanup.
const bucketIdle = time.Hour

// tokenBucket refills at a steady rate up to its capacity.
type tokenBucket struct {
	capacity   float64
	perToken   time.Duration
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(capacity int, perToken time.Duration, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(capacity),
		perToken:   perToken,
		tokens:     float64(capacity),
		lastRefill: now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+float64(elapsed)/float64(b.perToken))
		b.lastRefill = now
	}
}

// take consumes one token if available and reports the bucket state afterwards.
func (b *tokenBucket) take(now time.Time) (ok bool, remaining int, retryAfter time.Duration) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	missing := 1 - b.tokens
	return false, 0, time.Duration(missing * float64(b.perToken))
}

// Info describes the limit applied to one request.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type entry struct {
	bucket     *tokenBucket
	lastAccess time.Time
}

// Limiter holds one bucket per client and rule.
type Limiter struct {
	rules []Rule
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry
}

// NewLimiter returns a limiter enforcing rules. Requests matching no rule pass.
func NewLimiter(rules []Rule) *Limiter {
	return &Limiter{
		rules:   rules,
		now:     time.Now,
		buckets: make(map[string]*entry),
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow consumes a token for clientID on the rule matching method and path.
func (l *Limiter) Allow(clientID, method, path string) Info {
	rule, ok := Match(l.rules, method, path)
	if !ok || rule.Limit <= 0 {
		return Info{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := clientID + " " + rule.key()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{bucket: newTokenBucket(rule.burst(), rule.Window/time.Duration(rule.Limit), now)}
		l.buckets[key] = e
	}
	e.lastAccess = now

	allowed, remaining, retryAfter := e.bucket.take(now)
	return Info{
		Allowed:    allowed,
		Limit:      rule.Limit,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}
}

// Prune drops buckets idle for more than an hour and returns how many went.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-bucketIdle)
	n := 0
	for key, e := range l.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}
