// Package webhooks delivers lifecycle event notifications to external
// services.
//
// Merchants and session owners register webhook URLs to be notified about
// relay submissions, settlement progress, and session lifecycle changes.
// Payloads are signed with HMAC-SHA256 over the raw body so receivers can
// verify origin.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/avernet/paylane/internal/circuitbreaker"
	"github.com/avernet/paylane/internal/metrics"
	"github.com/avernet/paylane/internal/security"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhooks: subscription not found")

// EventType identifies a webhook event.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionRevoked EventType = "session.revoked"

	EventRelayQueued         EventType = "relay.queued"
	EventRelaySubmitted      EventType = "relay.submitted"
	EventRelayConfirmed      EventType = "relay.confirmed"
	EventRelayFailed         EventType = "relay.failed"
	EventRelayReconciliation EventType = "relay.requires_reconciliation"

	EventSettlementCreated  EventType = "settlement.created"
	EventSettlementSettled  EventType = "settlement.settled"
	EventSettlementFailed   EventType = "settlement.failed"
	EventSettlementDisputed EventType = "settlement.disputed"
	EventSettlementResolved EventType = "settlement.dispute_resolved"
	EventSettlementRefunded EventType = "settlement.refunded"
)

// Event is the payload delivered to subscribers.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is a registered webhook endpoint. A subscription with no
// event filter receives every event.
type Subscription struct {
	ID                  string      `json:"id"`
	OwnerAddr           string      `json:"ownerAddr"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

func (s *Subscription) wants(eventType EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerAddr string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Endpoints failing this many times in a row are deactivated until the
// subscriber re-enables them.
const maxConsecutiveFailures = 10

// Dispatcher delivers events to subscribed endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
	breaker      *circuitbreaker.Breaker
	wg           sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher. A per-endpoint circuit
// breaker skips deliveries to endpoints that are currently failing,
// so one dead subscriber does not tie up delivery goroutines.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
		breaker:      circuitbreaker.New(3, 30*time.Second),
	}
}

// Dispatch sends an event to every active subscriber of its type.
// Deliveries run asynchronously so callers never block on slow endpoints.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(ctx, sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		return
	}

	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paylane-Event", string(event.Type))
	req.Header.Set("X-Paylane-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Paylane-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify against the
// X-Paylane-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
	d.breaker.RecordSuccess(sub.ID)
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	d.breaker.RecordFailure(sub.ID)
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerAddr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerAddr == ownerAddr {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && sub.wants(eventType) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
