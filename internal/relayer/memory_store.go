package relayer

import (
	"context"
	"math/big"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Submission
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Submission)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.PaymentID]; exists {
		return ErrDuplicatePayment
	}
	m.subs[sub.PaymentID] = copySubmission(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, paymentID string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubmission(sub), nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.PaymentID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.PaymentID] = copySubmission(sub)
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Submission
	for _, sub := range m.subs {
		if sub.Status == status {
			out = append(out, copySubmission(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copySubmission(sub *Submission) *Submission {
	c := *sub
	if sub.Amount != nil {
		c.Amount = new(big.Int).Set(sub.Amount)
	}
	return &c
}
