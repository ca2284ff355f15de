package session

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. A single mutex
// covers all sessions, which trivially makes the check-and-increment in
// ConsumeBudget/ConsumeSpend atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nonces   map[string]map[uint64]struct{}
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		nonces:   make(map[string]map[uint64]struct{}),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return errors.New("session already exists")
	}
	m.sessions[s.ID] = copySession(s)
	m.nonces[s.ID] = make(map[uint64]struct{})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, owner string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner = strings.ToLower(owner)
	var result []*Session
	for _, s := range m.sessions {
		if s.Owner == owner {
			result = append(result, copySession(s))
		}
	}
	return result, nil
}

func (m *MemoryStore) Revoke(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[id]
	if !exists {
		return ErrNotFound
	}
	if s.RevokedAt == nil {
		t := at
		s.RevokedAt = &t
	}
	return nil
}

func (m *MemoryStore) ConsumeBudget(ctx context.Context, id string, amount *big.Int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeLocked(id, nil, amount, now)
}

func (m *MemoryStore) ConsumeSpend(ctx context.Context, id string, nonce uint64, amount *big.Int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumeLocked(id, &nonce, amount, now)
}

// consumeLocked performs the replay check, limit checks, and increment as
// one unit. The caller holds the store lock.
func (m *MemoryStore) consumeLocked(id string, nonce *uint64, amount *big.Int, now time.Time) error {
	s, exists := m.sessions[id]
	if !exists {
		return ErrNotFound
	}

	if nonce != nil {
		if _, seen := m.nonces[id][*nonce]; seen {
			return ErrReplayDetected
		}
	}

	newUsed, err := checkSpend(s, amount, now)
	if err != nil {
		return err
	}

	// All checks passed: commit the reset, the increment, and the nonce
	// record together. A failure above leaves everything untouched.
	s.LastResetDate = UTCDay(now)
	s.UsedToday = newUsed
	if nonce != nil {
		m.nonces[id][*nonce] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, s := range m.sessions {
		if s.IsActive(now) {
			count++
		}
	}
	return count, nil
}

func copySession(s *Session) *Session {
	cp := *s
	cp.SingleLimit = new(big.Int).Set(s.SingleLimit)
	cp.DailyLimit = new(big.Int).Set(s.DailyLimit)
	cp.UsedToday = new(big.Int).Set(s.UsedToday)
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
