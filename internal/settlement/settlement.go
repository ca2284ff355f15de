// Package settlement maintains the append-only ledger of multi-party
// payment settlements.
//
// A settlement record is created exactly once per payment intent, carries
// its allocation plan frozen at creation time, and then moves through a
// status machine. Records are never deleted; refunds and dispute outcomes
// are later states, not mutations that lose history.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/avernet/paylane/internal/allocation"
)

var (
	ErrNotFound          = errors.New("settlement not found")
	ErrDuplicateIntent   = errors.New("settlement already exists for payment intent")
	ErrInvalidIntent     = errors.New("invalid settlement intent")
	ErrInvalidTransition = errors.New("invalid settlement status transition")
)

// Status is the settlement state machine.
//
//	pending -> processing -> settled | failed
//	settled -> disputed -> settled | refunded
//	settled -> refunded
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
)

// PayeeType classifies who an allocation line pays.
type PayeeType string

const (
	PayeeAgentExecution      PayeeType = "AGENT_EXECUTION"
	PayeeAgentRecommendation PayeeType = "AGENT_RECOMMENDATION"
	PayeeAgentReferral       PayeeType = "AGENT_REFERRAL"
	PayeeMerchant            PayeeType = "MERCHANT"
	PayeePlatform            PayeeType = "PLATFORM"
)

// Party identifies a payee and its payout destination. Account routing is
// by prefix: acct_* goes out via Stripe, 0x* via the on-chain rail.
type Party struct {
	ID      string `json:"id"`
	Account string `json:"account"`
}

// Intent is the input to settlement creation, typically extracted from an
// upstream order-completed event.
type Intent struct {
	PaymentIntentID     string
	OrderID             string
	TotalAmount         *big.Int
	Currency            string
	ProductType         allocation.ProductType
	Merchant            Party
	ExecutionAgent      *Party
	RecommendationAgent *Party
	ReferralAgent       *Party
}

// AllocationLine binds one allocation bucket to a concrete payee. Lines
// with a zero amount are not persisted. TransferRef is set once the
// downstream transfer succeeds and survives retries of sibling lines.
type AllocationLine struct {
	PayeeID     string    `json:"payeeId"`
	PayeeType   PayeeType `json:"payeeType"`
	Account     string    `json:"account"`
	Amount      *big.Int  `json:"-"`
	TransferRef string    `json:"transferRef,omitempty"`
}

// Record is one settlement in the ledger.
type Record struct {
	PaymentIntentID string
	OrderID         string
	TotalAmount     *big.Int
	Currency        string
	ProductType     allocation.ProductType

	ChannelFee      *big.Int
	PlatformBaseFee *big.Int
	PoolFee         *big.Int
	MerchantAmount  *big.Int
	// PlatformNet is the platform's own take (base-fee remainder,
	// undistributed pool shares, rounding dust). It stays in the treasury,
	// so no allocation line is emitted for it.
	PlatformNet *big.Int

	Allocations []AllocationLine

	Status         Status
	FailureReason  string
	DisputeReason  string
	Resolution     string
	Attempts       int
	NextRetryAt    *time.Time
	AuditProofHash string
	SettledAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the record can never be advanced again.
// Disputed and settled records can still transition, failed and refunded
// cannot.
func (r *Record) Terminal() bool {
	return r.Status == StatusFailed || r.Status == StatusRefunded
}

// Store persists settlement records together with their allocation lines.
type Store interface {
	// Create persists a new record. Returns ErrDuplicateIntent if a record
	// already exists for the payment intent.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, paymentIntentID string) (*Record, error)
	// Update persists record fields and allocation transfer refs.
	Update(ctx context.Context, rec *Record) error
	// ListDue returns records needing work: pending records, and
	// processing records whose NextRetryAt is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	// CountByStatus returns record counts grouped by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Events receives settlement lifecycle notifications. Implementations must
// not block; delivery is best-effort.
type Events interface {
	SettlementEvent(ctx context.Context, event string, rec *Record)
}
