// Package lease guarantees that at most one executor drives a given session at a time.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a lease lives without being refreshed.
const DefaultTTL = 2 * time.Minute

var (
	// ErrHeld is returned by Acquire when another owner holds the session's lease.
	ErrHeld = errors.New("session lease held by another owner")
	// ErrLost is returned by Refresh and Release when the lease expired or was taken over.
	ErrLost = errors.New("session lease lost")
)

// Lease is an acquired, expiring claim on one session.
type Lease interface {
	SessionID() string
	// Refresh extends the lease by ttl.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release gives the lease up. Releasing a lost lease returns ErrLost.
	Release(ctx context.Context) error
}

// Locker hands out session leases.
type Locker interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (Lease, error)
}

// MemoryLocker is an in-process Locker for single-node deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), now: time.Now}
}

// SetClock replaces the time source. Tests use it to expire leases.
func (m *MemoryLocker) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryLocker) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[sessionID]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.held[sessionID] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: m, sessionID: sessionID, token: token}, nil
}

// Held reports whether sessionID currently has a live lease.
func (m *MemoryLocker) Held(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[sessionID]
	return ok && m.now().Before(e.expires)
}

type memoryLease struct {
	locker    *MemoryLocker
	sessionID string
	token     string
}

func (l *memoryLease) SessionID() string { return l.sessionID }

func (l *memoryLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.held[l.sessionID]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return ErrLost
	}
	e.expires = now.Add(ttl)
	m.held[l.sessionID] = e
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[l.sessionID]
	if !ok || e.token != l.token {
		return ErrLost
	}
	delete(m.held, l.sessionID)
	if !m.now().Before(e.expires) {
		return ErrLost
	}
	return nil
}
