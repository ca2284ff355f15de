// Package session implements bounded spending authorizations.
//
// A session is a spending envelope an owner grants to a delegate signer:
// - Owner creates a session with a per-transaction and per-day limit
// - The delegate signs spend requests with the session key
// - The relayer verifies the signature and consumes the session's budget
// - The owner can revoke instantly; revocation is permanent
//
// The package is the single source of truth for "is this spend allowed
// right now". Budget consumption is an atomic read-modify-write per
// session: two concurrent spends can never jointly exceed the daily limit.
package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avernet/paylane/internal/idgen"
	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/validation"
)

// ValidationError is a caller-visible failure with a stable machine code.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrNotFound           = &ValidationError{Code: "session_not_found", Message: "Session not found"}
	ErrRevoked            = &ValidationError{Code: "session_revoked", Message: "Session has been revoked"}
	ErrExpired            = &ValidationError{Code: "session_expired", Message: "Session has expired"}
	ErrExceedsSingleLimit = &ValidationError{Code: "exceeds_single_limit", Message: "Amount exceeds per-transaction limit"}
	ErrDailyLimitExceeded = &ValidationError{Code: "daily_limit_exceeded", Message: "Amount exceeds daily spending limit"}
	ErrReplayDetected     = &ValidationError{Code: "replay_detected", Message: "Nonce has already been used for this session"}
	ErrInvalidSignature   = &ValidationError{Code: "invalid_signature", Message: "Signature does not match session signer"}
	ErrInvalidParameters  = &ValidationError{Code: "invalid_parameters", Message: "Invalid session parameters"}
	ErrUnauthorized       = &ValidationError{Code: "unauthorized", Message: "Caller is not the session owner"}
)

// Session is a bounded spending authorization from an owner to a delegate
// signer. Amounts are smallest-unit USDC.
type Session struct {
	ID            string     `json:"id"` // 32-byte identifier, hex-encoded; shared with the on-chain verifier
	Owner         string     `json:"owner"`
	Signer        string     `json:"signer"`
	SingleLimit   *big.Int   `json:"-"`
	DailyLimit    *big.Int   `json:"-"`
	UsedToday     *big.Int   `json:"-"`
	LastResetDate string     `json:"lastResetDate"` // UTC date (YYYY-MM-DD) of last daily reset
	Expiry        time.Time  `json:"expiry"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// IsActive reports whether the session can authorize new spends at the
// given instant. Revocation and expiry are both terminal.
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && !now.After(s.Expiry)
}

// UTCDay formats a time as the session's daily-window key.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store defines the persistence contract for sessions.
//
// ConsumeBudget and ConsumeSpend are repository-level atomic operations
// (increment-with-ceiling, insert-nonce-if-absent). Implementations must
// guarantee that a failed call leaves the session unchanged and that no
// two concurrent calls can jointly exceed the daily limit.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByOwner(ctx context.Context, owner string) ([]*Session, error)

	// Revoke marks the session revoked at the given instant. Revoking an
	// already-revoked session is a no-op (the earlier timestamp wins).
	Revoke(ctx context.Context, id string, at time.Time) error

	// ConsumeBudget applies the day-boundary reset, then atomically
	// increments usedToday by amount if all limit checks pass.
	ConsumeBudget(ctx context.Context, id string, amount *big.Int, now time.Time) error

	// ConsumeSpend is ConsumeBudget plus replay dedupe: the (session, nonce)
	// record and the budget increment are committed together.
	ConsumeSpend(ctx context.Context, id string, nonce uint64, amount *big.Int, now time.Time) error

	CountActive(ctx context.Context, now time.Time) (int64, error)
}

// Authority owns session records and enforces spending limits.
type Authority struct {
	store Store
}

// NewAuthority creates a session authority over the given store.
func NewAuthority(store Store) *Authority {
	return &Authority{store: store}
}

// Create registers a new session. Limits must be positive and the expiry
// must be in the future.
func (a *Authority) Create(ctx context.Context, owner, signer string, singleLimit, dailyLimit *big.Int, expiry time.Time) (*Session, error) {
	if !validation.IsValidEthAddress(owner) || !validation.IsValidEthAddress(signer) {
		return nil, &ValidationError{Code: "invalid_parameters", Message: "owner and signer must be valid hex addresses (0x...)"}
	}
	if !money.IsPositive(singleLimit) || !money.IsPositive(dailyLimit) {
		return nil, &ValidationError{Code: "invalid_parameters", Message: "singleLimit and dailyLimit must be positive"}
	}
	now := time.Now()
	if !expiry.After(now) {
		return nil, &ValidationError{Code: "invalid_parameters", Message: "expiry must be in the future"}
	}

	s := &Session{
		ID:            idgen.Hex(32),
		Owner:         validation.SanitizeAddress(owner),
		Signer:        validation.SanitizeAddress(signer),
		SingleLimit:   new(big.Int).Set(singleLimit),
		DailyLimit:    new(big.Int).Set(dailyLimit),
		UsedToday:     big.NewInt(0),
		LastResetDate: UTCDay(now),
		Expiry:        expiry,
		CreatedAt:     now,
	}

	if err := a.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// Get retrieves a session by ID.
func (a *Authority) Get(ctx context.Context, id string) (*Session, error) {
	return a.store.Get(ctx, id)
}

// List returns all sessions for an owner.
func (a *Authority) List(ctx context.Context, owner string) ([]*Session, error) {
	return a.store.GetByOwner(ctx, validation.SanitizeAddress(owner))
}

// CountActive returns the number of sessions that can still authorize spends.
func (a *Authority) CountActive(ctx context.Context) (int64, error) {
	return a.store.CountActive(ctx, time.Now())
}

// Revoke permanently disables a session. Only the owner may revoke.
// Revoking twice is a no-op.
func (a *Authority) Revoke(ctx context.Context, id, callerID string) error {
	s, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !strings.EqualFold(s.Owner, callerID) {
		return ErrUnauthorized
	}
	return a.store.Revoke(ctx, id, time.Now())
}

// ValidateAndConsume checks the spend against the session's limits and, on
// success, consumes the amount from today's budget. The check and the
// increment are a single atomic operation per session.
func (a *Authority) ValidateAndConsume(ctx context.Context, id string, amount *big.Int, now time.Time) error {
	if !money.IsPositive(amount) {
		return &ValidationError{Code: "invalid_amount", Message: "Amount must be positive"}
	}
	return a.store.ConsumeBudget(ctx, id, amount, now)
}

// ConsumeSpend is ValidateAndConsume plus replay protection: the
// (session, nonce) dedupe record commits together with the budget
// increment, so two concurrent submissions of the same signed request
// cannot both succeed.
func (a *Authority) ConsumeSpend(ctx context.Context, id string, nonce uint64, amount *big.Int, now time.Time) error {
	if !money.IsPositive(amount) {
		return &ValidationError{Code: "invalid_amount", Message: "Amount must be positive"}
	}
	return a.store.ConsumeSpend(ctx, id, nonce, amount, now)
}

// checkSpend validates a spend against a session snapshot and returns the
// new usedToday value on success. Shared by store implementations; callers
// must hold whatever lock makes the snapshot authoritative.
func checkSpend(s *Session, amount *big.Int, now time.Time) (*big.Int, error) {
	if s.RevokedAt != nil {
		return nil, ErrRevoked
	}
	if now.After(s.Expiry) {
		return nil, ErrExpired
	}
	if amount.Cmp(s.SingleLimit) > 0 {
		return nil, ErrExceedsSingleLimit
	}

	used := s.UsedToday
	if s.LastResetDate != UTCDay(now) {
		used = big.NewInt(0)
	}
	newUsed := new(big.Int).Add(used, amount)
	if newUsed.Cmp(s.DailyLimit) > 0 {
		return nil, ErrDailyLimitExceeded
	}
	return newUsed, nil
}
