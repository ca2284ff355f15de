package settlement

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.PaymentIntentID]; exists {
		return ErrDuplicateIntent
	}
	m.records[rec.PaymentIntentID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, paymentIntentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[paymentIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.PaymentIntentID]; !ok {
		return ErrNotFound
	}
	m.records[rec.PaymentIntentID] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Record
	for _, rec := range m.records {
		switch rec.Status {
		case StatusPending:
			due = append(due, copyRecord(rec))
		case StatusProcessing:
			if rec.NextRetryAt == nil || !rec.NextRetryAt.After(now) {
				due = append(due, copyRecord(rec))
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int64)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func copyRecord(rec *Record) *Record {
	c := *rec
	c.TotalAmount = copyInt(rec.TotalAmount)
	c.ChannelFee = copyInt(rec.ChannelFee)
	c.PlatformBaseFee = copyInt(rec.PlatformBaseFee)
	c.PoolFee = copyInt(rec.PoolFee)
	c.MerchantAmount = copyInt(rec.MerchantAmount)
	c.PlatformNet = copyInt(rec.PlatformNet)
	c.NextRetryAt = copyTime(rec.NextRetryAt)
	c.SettledAt = copyTime(rec.SettledAt)
	c.Allocations = make([]AllocationLine, len(rec.Allocations))
	for i, line := range rec.Allocations {
		c.Allocations[i] = line
		c.Allocations[i].Amount = copyInt(line.Amount)
	}
	return &c
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
