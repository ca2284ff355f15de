package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/avernet/paylane/internal/idgen"
	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/relayer"
	"github.com/avernet/paylane/internal/session"
	"github.com/avernet/paylane/internal/settlement"
)

// Emitter translates internal lifecycle events into webhook deliveries.
// It satisfies the event sinks of the session, relayer, and settlement
// packages. All methods are fire-and-forget: errors are logged, never
// returned, and never stall the pipelines that raised the event.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	// Deliveries outlive the request that triggered them.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		e.logger.Warn("webhook dispatch failed", "event", eventType, "error", err)
	}
}

// SessionEvent implements session.Events.
func (e *Emitter) SessionEvent(ctx context.Context, event string, s *session.Session) {
	data := map[string]any{
		"sessionId":   s.ID,
		"owner":       s.Owner,
		"signer":      s.Signer,
		"singleLimit": money.Format(s.SingleLimit),
		"dailyLimit":  money.Format(s.DailyLimit),
		"expiry":      s.Expiry.UTC().Format(time.RFC3339),
	}
	e.emit(EventType(event), data)
}

// RelayEvent implements relayer.Events.
func (e *Emitter) RelayEvent(ctx context.Context, event string, sub *relayer.Submission) {
	data := map[string]any{
		"paymentId": sub.PaymentID,
		"sessionId": sub.SessionID,
		"recipient": sub.Recipient,
		"amount":    money.Format(sub.Amount),
		"status":    string(sub.Status),
		"attempts":  sub.Attempts,
	}
	if sub.TxHash != "" {
		data["txHash"] = sub.TxHash
	}
	if sub.FailureReason != "" {
		data["failureReason"] = sub.FailureReason
	}
	e.emit(EventType(event), data)
}

// SettlementEvent implements settlement.Events.
func (e *Emitter) SettlementEvent(ctx context.Context, event string, rec *settlement.Record) {
	data := map[string]any{
		"paymentIntentId": rec.PaymentIntentID,
		"orderId":         rec.OrderID,
		"totalAmount":     money.Format(rec.TotalAmount),
		"currency":        rec.Currency,
		"productType":     string(rec.ProductType),
		"status":          string(rec.Status),
		"attempts":        rec.Attempts,
	}
	if rec.FailureReason != "" {
		data["failureReason"] = rec.FailureReason
	}
	if rec.AuditProofHash != "" {
		data["auditProofHash"] = rec.AuditProofHash
	}
	e.emit(EventType(event), data)
}
