package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avernet/paylane/internal/allocation"
	"github.com/avernet/paylane/internal/config"
	"github.com/avernet/paylane/internal/metrics"
	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/syncutil"
	"github.com/avernet/paylane/internal/traces"
)

// ServiceConfig tunes settlement processing.
type ServiceConfig struct {
	ChannelFeeBps int64
	Rates         map[string]config.FeeRates
	MaxAttempts   int
	RetryBase     time.Duration
}

func (c *ServiceConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
}

// Service owns the settlement record lifecycle.
type Service struct {
	store  Store
	payer  Payer
	cfg    ServiceConfig
	logger *slog.Logger
	events Events

	// locks serializes advancement per payment intent; the sweeper and an
	// explicit advance call can race on the same record.
	locks syncutil.ShardedMutex
}

// NewService creates a settlement service.
func NewService(store Store, payer Payer, cfg ServiceConfig, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	return &Service{store: store, payer: payer, cfg: cfg, logger: logger}
}

// WithEvents adds a lifecycle event sink.
func (s *Service) WithEvents(ev Events) *Service {
	s.events = ev
	return s
}

// CreateOrGet creates the settlement record for a payment intent, or
// returns the existing one unchanged. This is what makes duplicate
// order-completed deliveries safe: the allocation is computed exactly
// once, on first creation.
func (s *Service) CreateOrGet(ctx context.Context, intent Intent) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CreateOrGet",
		traces.PaymentIntentID(intent.PaymentIntentID),
	)
	defer span.End()

	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	fr, ok := s.cfg.Rates[string(intent.ProductType)]
	if !ok {
		return nil, fmt.Errorf("%w: no fee rates for product type %q", ErrInvalidIntent, intent.ProductType)
	}

	plan, err := allocation.Allocate(intent.TotalAmount, intent.ProductType,
		allocation.Roles{
			ExecutionAgent:      intent.ExecutionAgent != nil,
			RecommendationAgent: intent.RecommendationAgent != nil,
			ReferralAgent:       intent.ReferralAgent != nil,
		},
		allocation.Rates{
			ChannelBps:      s.cfg.ChannelFeeBps,
			PlatformBaseBps: fr.PlatformBaseBps,
			PoolBps:         fr.PoolBps,
		})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		PaymentIntentID: intent.PaymentIntentID,
		OrderID:         intent.OrderID,
		TotalAmount:     plan.Total,
		Currency:        intent.Currency,
		ProductType:     intent.ProductType,
		ChannelFee:      plan.ChannelFee,
		PlatformBaseFee: plan.PlatformBaseFee,
		PoolFee:         plan.PoolFee,
		MerchantAmount:  plan.MerchantAmount,
		PlatformNet:     plan.PlatformNet,
		Allocations:     buildLines(intent, plan),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if rec.Currency == "" {
		rec.Currency = "USDC"
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateIntent) {
			return s.store.Get(ctx, intent.PaymentIntentID)
		}
		return nil, err
	}

	s.logger.Info("settlement created",
		"paymentIntentId", rec.PaymentIntentID,
		"orderId", rec.OrderID,
		"total", money.Format(rec.TotalAmount),
		"lines", len(rec.Allocations))
	s.emit(ctx, "settlement.created", rec)
	return rec, nil
}

// Advance drives a pending or processing settlement toward settled:
// it attempts every unpaid allocation line, persisting each successful
// transfer reference before moving on. Records in any other state are
// returned unchanged.
func (s *Service) Advance(ctx context.Context, paymentIntentID string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Advance",
		traces.PaymentIntentID(paymentIntentID),
	)
	defer span.End()

	unlock := s.locks.Lock(paymentIntentID)
	defer unlock()

	rec, err := s.store.Get(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending && rec.Status != StatusProcessing {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.Status = StatusProcessing
	rec.Attempts++
	rec.UpdatedAt = now
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	var payoutErr error
	permanent := false
	for i := range rec.Allocations {
		line := &rec.Allocations[i]
		if line.TransferRef != "" {
			continue
		}

		key := rec.PaymentIntentID + ":" + line.PayeeID
		ref, err := s.payer.Payout(ctx, line.Account, line.Amount, key)
		if err != nil {
			s.logger.Warn("allocation payout failed",
				"paymentIntentId", rec.PaymentIntentID,
				"payeeId", line.PayeeID,
				"payeeType", line.PayeeType,
				"error", err)
			if payoutErr == nil {
				payoutErr = err
			}
			if permanentPayoutError(err) {
				permanent = true
			}
			continue
		}

		line.TransferRef = ref
		rec.UpdatedAt = time.Now().UTC()
		// Persist the reference immediately so a crash mid-record cannot
		// lose a completed transfer.
		if err := s.store.Update(ctx, rec); err != nil {
			s.logger.Error("CRITICAL: payout succeeded but transfer ref not persisted",
				"paymentIntentId", rec.PaymentIntentID, "payeeId", line.PayeeID,
				"transferRef", ref, "error", err)
			return nil, err
		}
	}

	now = time.Now().UTC()
	rec.UpdatedAt = now

	switch {
	case payoutErr == nil:
		rec.Status = StatusSettled
		rec.SettledAt = &now
		rec.NextRetryAt = nil
		rec.FailureReason = ""
		rec.AuditProofHash = auditProof(rec, now)
		metrics.SettlementsTotal.WithLabelValues(string(StatusSettled)).Inc()
		s.logger.Info("settlement settled",
			"paymentIntentId", rec.PaymentIntentID, "attempts", rec.Attempts)

	case permanent || rec.Attempts >= s.cfg.MaxAttempts:
		rec.Status = StatusFailed
		rec.FailureReason = payoutErr.Error()
		rec.NextRetryAt = nil
		metrics.SettlementsTotal.WithLabelValues(string(StatusFailed)).Inc()
		s.logger.Error("settlement failed",
			"paymentIntentId", rec.PaymentIntentID,
			"attempts", rec.Attempts, "reason", rec.FailureReason)

	default:
		// Exponential backoff before the sweeper re-drives this record.
		delay := s.cfg.RetryBase << uint(rec.Attempts-1) //nolint:gosec // attempts is small
		next := now.Add(delay)
		rec.NextRetryAt = &next
		rec.FailureReason = payoutErr.Error()
	}

	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	switch rec.Status {
	case StatusSettled:
		s.emit(ctx, "settlement.settled", rec)
	case StatusFailed:
		s.emit(ctx, "settlement.failed", rec)
	}
	return rec, nil
}

// MarkDisputed moves a settled record into dispute. Only settled records
// can be disputed; money that never moved has nothing to dispute.
func (s *Service) MarkDisputed(ctx context.Context, paymentIntentID, reason string) (*Record, error) {
	unlock := s.locks.Lock(paymentIntentID)
	defer unlock()

	rec, err := s.store.Get(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusSettled {
		return nil, fmt.Errorf("%w: cannot dispute a %s settlement", ErrInvalidTransition, rec.Status)
	}

	rec.Status = StatusDisputed
	rec.DisputeReason = reason
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.emit(ctx, "settlement.disputed", rec)
	return rec, nil
}

// ResolveDispute closes a dispute as either upheld (refunded) or rejected
// (back to settled).
func (s *Service) ResolveDispute(ctx context.Context, paymentIntentID, resolution string, refund bool) (*Record, error) {
	unlock := s.locks.Lock(paymentIntentID)
	defer unlock()

	rec, err := s.store.Get(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot resolve a %s settlement", ErrInvalidTransition, rec.Status)
	}

	if refund {
		rec.Status = StatusRefunded
		metrics.SettlementsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	} else {
		rec.Status = StatusSettled
	}
	rec.Resolution = resolution
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.emit(ctx, "settlement.dispute_resolved", rec)
	return rec, nil
}

// Refund moves a settled record directly to refunded. The refund itself is
// a compensating money movement handled by operations; the ledger records
// the state so the audit trail stays intact.
func (s *Service) Refund(ctx context.Context, paymentIntentID, reason string) (*Record, error) {
	unlock := s.locks.Lock(paymentIntentID)
	defer unlock()

	rec, err := s.store.Get(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusSettled {
		return nil, fmt.Errorf("%w: cannot refund a %s settlement", ErrInvalidTransition, rec.Status)
	}

	rec.Status = StatusRefunded
	rec.Resolution = reason
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	metrics.SettlementsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	s.emit(ctx, "settlement.refunded", rec)
	return rec, nil
}

// Get returns a settlement record by payment intent id.
func (s *Service) Get(ctx context.Context, paymentIntentID string) (*Record, error) {
	return s.store.Get(ctx, paymentIntentID)
}

// CountByStatus returns ledger counts grouped by status.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return s.store.CountByStatus(ctx)
}

// ListDue exposes records the sweeper should re-drive.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	return s.store.ListDue(ctx, now, limit)
}

func (s *Service) emit(ctx context.Context, event string, rec *Record) {
	if s.events != nil {
		s.events.SettlementEvent(ctx, event, rec)
	}
}

func validateIntent(intent Intent) error {
	if intent.PaymentIntentID == "" {
		return fmt.Errorf("%w: paymentIntentId is required", ErrInvalidIntent)
	}
	if !money.IsPositive(intent.TotalAmount) {
		return fmt.Errorf("%w: totalAmount must be positive", ErrInvalidIntent)
	}
	if intent.Merchant.ID == "" || intent.Merchant.Account == "" {
		return fmt.Errorf("%w: merchant id and account are required", ErrInvalidIntent)
	}
	for _, p := range []*Party{intent.ExecutionAgent, intent.RecommendationAgent, intent.ReferralAgent} {
		if p != nil && (p.ID == "" || p.Account == "") {
			return fmt.Errorf("%w: agent parties need id and account", ErrInvalidIntent)
		}
	}
	return nil
}

// buildLines binds the plan's buckets to payees. The platform's net take
// stays in the treasury and gets no line.
func buildLines(intent Intent, plan *allocation.Plan) []AllocationLine {
	var lines []AllocationLine

	if money.IsPositive(plan.MerchantAmount) {
		lines = append(lines, AllocationLine{
			PayeeID:   intent.Merchant.ID,
			PayeeType: PayeeMerchant,
			Account:   intent.Merchant.Account,
			Amount:    plan.MerchantAmount,
		})
	}
	if intent.ExecutionAgent != nil && money.IsPositive(plan.ExecutorAmount) {
		lines = append(lines, AllocationLine{
			PayeeID:   intent.ExecutionAgent.ID,
			PayeeType: PayeeAgentExecution,
			Account:   intent.ExecutionAgent.Account,
			Amount:    plan.ExecutorAmount,
		})
	}
	if intent.RecommendationAgent != nil && money.IsPositive(plan.RecommendationAmount) {
		lines = append(lines, AllocationLine{
			PayeeID:   intent.RecommendationAgent.ID,
			PayeeType: PayeeAgentRecommendation,
			Account:   intent.RecommendationAgent.Account,
			Amount:    plan.RecommendationAmount,
		})
	}
	if intent.ReferralAgent != nil && money.IsPositive(plan.ReferralAmount) {
		lines = append(lines, AllocationLine{
			PayeeID:   intent.ReferralAgent.ID,
			PayeeType: PayeeAgentReferral,
			Account:   intent.ReferralAgent.Account,
			Amount:    plan.ReferralAmount,
		})
	}
	return lines
}

// auditProof hashes the canonical settlement facts: intent id, total,
// every payee and amount in line order, and the settle time.
func auditProof(rec *Record, settledAt time.Time) string {
	var b strings.Builder
	b.WriteString(rec.PaymentIntentID)
	b.WriteString("|")
	b.WriteString(rec.TotalAmount.String())
	for _, line := range rec.Allocations {
		fmt.Fprintf(&b, "|%s:%s", line.PayeeID, line.Amount.String())
	}
	fmt.Fprintf(&b, "|%d", settledAt.Unix())

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
