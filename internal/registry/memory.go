package registry

import (
	"context"
	"sync"
	"time"

	"cookiepool/pkg/models"
)

// MemoryStore is an in-process registry for tests and single-node
// deployments. A single mutex spans every select-mark sequence, which
// gives the same mutual exclusion the row lock gives the SQL backend.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
}

// NewMemoryStore creates an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*Session)}
}

// Add seeds a session record, assigning an id if unset.
func (m *MemoryStore) Add(s *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	m.sessions[s.ID] = s.Clone()
	return m.sessions[s.ID].Clone()
}

// Acquire implements Store.
func (m *MemoryStore) Acquire(ctx context.Context, platform models.Platform) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Session
	for _, s := range m.sessions {
		if s.Platform != platform || !s.Authenticated || s.InUse {
			continue
		}
		if best == nil || lessRecentlyUsed(s, best) {
			best = s
		}
	}

	if best == nil {
		return nil, ErrNoneAvailable
	}

	best.InUse = true
	return best.Clone(), nil
}

// lessRecentlyUsed orders never-used sessions first, then by oldest
// last_used_at, with id as the tiebreaker for determinism.
func lessRecentlyUsed(a, b *Session) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.ID < b.ID
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	case a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.ID < b.ID
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// MarkValidated implements Store.
func (m *MemoryStore) MarkValidated(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.LastValidatedAt = &now
	return nil
}

// MarkInvalid implements Store.
func (m *MemoryStore) MarkInvalid(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}

	s.Authenticated = false
	s.InUse = false
	s.ConsecutiveFailures++
	s.FailureReason = reason
	return nil
}

// Release implements Store.
func (m *MemoryStore) Release(ctx context.Context, id int64, success bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	s.InUse = false
	s.LastUsedAt = &now

	if success {
		s.ConsecutiveFailures = 0
		s.FailureReason = ""
	} else {
		s.ConsecutiveFailures++
		s.FailureReason = reason
		if s.ConsecutiveFailures >= BanThreshold {
			s.Authenticated = false
		}
	}
	return nil
}

// UpdateSessionData implements Store.
func (m *MemoryStore) UpdateSessionData(ctx context.Context, platform models.Platform, username string, data Pairs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.Platform == platform && s.Username == username {
			now := time.Now().UTC()
			s.SessionData = append(Pairs(nil), data...)
			s.SessionUpdatedAt = now
			s.Authenticated = true
			s.ConsecutiveFailures = 0
			s.FailureReason = ""
			return nil
		}
	}
	return ErrNotFound
}

// Close implements Store.
func (m *MemoryStore) Close() {}
