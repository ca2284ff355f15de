package realtime

import (
	"context"
	"time"

	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/relayer"
	"github.com/avernet/paylane/internal/session"
	"github.com/avernet/paylane/internal/settlement"
)

// Feed pushes internal lifecycle events onto the hub. It satisfies the
// event sinks of the session, relayer, and settlement packages.
type Feed struct {
	hub *Hub
}

// NewFeed creates a feed over the given hub.
func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

func (f *Feed) broadcast(eventType string, data map[string]any) {
	if f == nil || f.hub == nil {
		return
	}
	f.hub.Broadcast(&Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// SessionEvent implements session.Events.
func (f *Feed) SessionEvent(ctx context.Context, event string, s *session.Session) {
	f.broadcast(event, map[string]any{
		"sessionId": s.ID,
		"owner":     s.Owner,
		"expiry":    s.Expiry.UTC().Format(time.RFC3339),
	})
}

// RelayEvent implements relayer.Events.
func (f *Feed) RelayEvent(ctx context.Context, event string, sub *relayer.Submission) {
	data := map[string]any{
		"paymentId": sub.PaymentID,
		"sessionId": sub.SessionID,
		"recipient": sub.Recipient,
		"amount":    money.Format(sub.Amount),
		"status":    string(sub.Status),
	}
	if sub.TxHash != "" {
		data["txHash"] = sub.TxHash
	}
	f.broadcast(event, data)
}

// SettlementEvent implements settlement.Events.
func (f *Feed) SettlementEvent(ctx context.Context, event string, rec *settlement.Record) {
	f.broadcast(event, map[string]any{
		"paymentIntentId": rec.PaymentIntentID,
		"orderId":         rec.OrderID,
		"totalAmount":     money.Format(rec.TotalAmount),
		"productType":     string(rec.ProductType),
		"status":          string(rec.Status),
	})
}
