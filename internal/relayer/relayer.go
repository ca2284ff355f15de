// Package relayer executes signed spend requests against the settlement rail.
//
// A spend request travels: signature verification, atomic replay + budget
// consumption through the session authority, then an asynchronous submission
// pipeline that serializes outbound transfers per relayer identity. Once the
// session budget is consumed the submission is never silently dropped; a
// permanent rail rejection parks it in requires_reconciliation for an
// operator instead of refunding the budget, since a refund could race with
// a late confirmation.
package relayer

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	ErrNotFound         = errors.New("relay submission not found")
	ErrDuplicatePayment = errors.New("payment id already submitted")
	ErrChainMismatch    = errors.New("chain id does not match relayer chain")
)

// Status tracks a submission through the rail pipeline.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"

	// StatusRequiresReconciliation marks a spend whose session budget was
	// consumed but whose transfer the rail permanently rejected. Resolved
	// manually; never auto-refunded.
	StatusRequiresReconciliation Status = "requires_reconciliation"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusRequiresReconciliation:
		return true
	}
	return false
}

// SpendRequest is a signed spend submitted by a session holder.
type SpendRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	PaymentID string `json:"paymentId" binding:"required"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature" binding:"required"`
	ChainID   int64  `json:"chainId" binding:"required"`
}

// Submission is the persisted record of an accepted spend request.
type Submission struct {
	PaymentID     string    `json:"paymentId"`
	SessionID     string    `json:"sessionId"`
	Recipient     string    `json:"recipient"`
	Amount        *big.Int  `json:"-"`
	Nonce         uint64    `json:"nonce"`
	Status        Status    `json:"status"`
	TxHash        string    `json:"txHash,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists relay submissions.
type Store interface {
	// Create persists a new submission. Returns ErrDuplicatePayment if the
	// payment id is already recorded.
	Create(ctx context.Context, sub *Submission) error
	Get(ctx context.Context, paymentID string) (*Submission, error)
	Update(ctx context.Context, sub *Submission) error
	// ListByStatus returns up to limit submissions in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Submission, error)
}

// Events receives submission lifecycle notifications. Implementations must
// not block; delivery is best-effort.
type Events interface {
	RelayEvent(ctx context.Context, event string, sub *Submission)
}
