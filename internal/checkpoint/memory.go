package checkpoint

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and SessionStore. It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	checkpoints map[string][]*Checkpoint
	sessions    map[string]*Session
	now         func() time.Time

	// FailPut, when set, is consulted before every Put. Tests use it to inject
	// write failures.
	FailPut func(sessionID string) error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*Checkpoint),
		sessions:    make(map[string]*Session),
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests use it to age checkpoints.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Put(ctx context.Context, sessionID string, state []byte, meta Metadata) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPut != nil {
		if err := m.FailPut(sessionID); err != nil {
			return uuid.Nil, err
		}
	}

	m.seq++
	cp := &Checkpoint{
		ID:        uuid.New(),
		SessionID: sessionID,
		State:     slices.Clone(state),
		Metadata:  meta,
		CreatedAt: m.now().UTC(),
		Seq:       m.seq,
	}
	if cp.Metadata.Version == "" {
		cp.Metadata.Version = MetadataVersion
	}
	if cp.Metadata.GeneratedAt.IsZero() {
		cp.Metadata.GeneratedAt = cp.CreatedAt
	}
	if list := m.checkpoints[sessionID]; len(list) > 0 {
		parent := list[len(list)-1].ID
		cp.ParentID = &parent
	}
	m.checkpoints[sessionID] = append(m.checkpoints[sessionID], cp)
	return cp.ID, nil
}

func (m *MemoryStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.checkpoints[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	return clone(list[len(list)-1]), nil
}

func (m *MemoryStore) List(ctx context.Context, sessionID string, opts ListOptions) iter.Seq2[*Checkpoint, error] {
	fetch := func(ctx context.Context, cursor int64, size int) ([]*Checkpoint, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		list := m.checkpoints[sessionID]
		var page []*Checkpoint
		for i := len(list) - 1; i >= 0 && len(page) < size; i-- {
			cp := list[i]
			if cursor > 0 && cp.Seq >= cursor {
				continue
			}
			if !opts.Before.IsZero() && !cp.CreatedAt.Before(opts.Before) {
				continue
			}
			page = append(page, clone(cp))
		}
		return page, nil
	}
	return Paged(ctx, fetch, opts.Limit, DefaultPageSize)
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, sessionID)
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff, err := Cutoff(m.now(), retentionDays)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for id, list := range m.checkpoints {
		kept := list[:0]
		for _, cp := range list {
			if cp.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(m.checkpoints, id)
		} else {
			m.checkpoints[id] = kept
		}
	}
	return deleted, nil
}

// Count returns how many checkpoints are stored for a session.
func (m *MemoryStore) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints[sessionID])
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if existing, ok := m.sessions[s.ID]; ok {
		existing.Status = StatusProcessing
		existing.ErrorMessage = ""
		existing.Retryable = false
		existing.UpdatedAt = now
		return nil
	}
	if s.Status == "" {
		s.Status = StatusProcessing
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.ID] = &s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, id string, update StatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = update.Status
	s.ErrorMessage = update.ErrorMessage
	s.Retryable = update.Retryable
	s.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.State = slices.Clone(cp.State)
	if cp.ParentID != nil {
		p := *cp.ParentID
		c.ParentID = &p
	}
	return &c
}
