package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/avernet/paylane/internal/testutil"
)

func pgRecord(paymentIntentID string, createdAt time.Time) *Record {
	return &Record{
		PaymentIntentID: paymentIntentID,
		OrderID:         "order_pg",
		TotalAmount:     big.NewInt(1000),
		Currency:        "USDC",
		ProductType:     "LOGIC",
		ChannelFee:      big.NewInt(0),
		PlatformBaseFee: big.NewInt(10),
		PoolFee:         big.NewInt(40),
		MerchantAmount:  big.NewInt(950),
		PlatformNet:     big.NewInt(22),
		Allocations: []AllocationLine{
			{PayeeID: "merchant_1", PayeeType: PayeeMerchant, Account: merchantAcct, Amount: big.NewInt(950)},
			{PayeeID: "agent_exec", PayeeType: PayeeAgentExecution, Account: executorAcct, Amount: big.NewInt(28)},
		},
		Status:    StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestSettlementPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := pgRecord("pi_pg_1", now)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A redelivered intent bounces off the unique key.
	if err := store.Create(ctx, pgRecord("pi_pg_1", now)); !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("expected ErrDuplicateIntent, got %v", err)
	}

	got, err := store.Get(ctx, "pi_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TotalAmount.Cmp(rec.TotalAmount) != 0 || got.MerchantAmount.Cmp(rec.MerchantAmount) != 0 {
		t.Errorf("amounts did not round-trip: %+v", got)
	}
	if got.Status != StatusPending || got.ProductType != "LOGIC" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.Allocations) != 2 {
		t.Fatalf("len(allocations) = %d, want 2", len(got.Allocations))
	}
	// Line order is stable by position.
	if got.Allocations[0].PayeeType != PayeeMerchant || got.Allocations[1].PayeeType != PayeeAgentExecution {
		t.Errorf("line order wrong: %+v", got.Allocations)
	}
	if got.Allocations[1].Amount.Cmp(big.NewInt(28)) != 0 {
		t.Errorf("line amount = %s, want 28", got.Allocations[1].Amount)
	}

	// Persist a transfer ref plus a state change in one update.
	settledAt := now.Add(time.Minute)
	got.Status = StatusSettled
	got.Attempts = 1
	got.AuditProofHash = "deadbeef"
	got.SettledAt = &settledAt
	got.Allocations[0].TransferRef = "0xabc"
	got.Allocations[1].TransferRef = "tr_1XYZ"
	got.UpdatedAt = settledAt
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	updated, err := store.Get(ctx, "pi_pg_1")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if updated.Status != StatusSettled || updated.AuditProofHash != "deadbeef" {
		t.Errorf("update not persisted: %+v", updated)
	}
	if updated.SettledAt == nil || !updated.SettledAt.Equal(settledAt) {
		t.Errorf("settledAt = %v, want %v", updated.SettledAt, settledAt)
	}
	if updated.Allocations[0].TransferRef != "0xabc" || updated.Allocations[1].TransferRef != "tr_1XYZ" {
		t.Errorf("transfer refs not persisted: %+v", updated.Allocations)
	}

	if _, err := store.Get(ctx, "pi_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	missing := pgRecord("pi_missing", now)
	if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestSettlementPostgresStore_ListDue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	pending := pgRecord("pi_pending", now)
	if err := store.Create(ctx, pending); err != nil {
		t.Fatalf("Create pending failed: %v", err)
	}

	past := now.Add(-time.Minute)
	dueRetry := pgRecord("pi_due", now.Add(time.Second))
	dueRetry.Status = StatusProcessing
	dueRetry.NextRetryAt = &past
	if err := store.Create(ctx, dueRetry); err != nil {
		t.Fatalf("Create due retry failed: %v", err)
	}

	future := now.Add(time.Hour)
	notYet := pgRecord("pi_later", now.Add(2*time.Second))
	notYet.Status = StatusProcessing
	notYet.NextRetryAt = &future
	if err := store.Create(ctx, notYet); err != nil {
		t.Fatalf("Create future retry failed: %v", err)
	}

	settled := pgRecord("pi_done", now.Add(3*time.Second))
	settled.Status = StatusSettled
	if err := store.Create(ctx, settled); err != nil {
		t.Fatalf("Create settled failed: %v", err)
	}

	due, err := store.ListDue(ctx, now.Add(5*time.Second), 10)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2: %+v", len(due), due)
	}
	// Oldest first.
	if due[0].PaymentIntentID != "pi_pending" || due[1].PaymentIntentID != "pi_due" {
		t.Errorf("due order wrong: %s, %s", due[0].PaymentIntentID, due[1].PaymentIntentID)
	}

	one, err := store.ListDue(ctx, now.Add(5*time.Second), 1)
	if err != nil {
		t.Fatalf("ListDue with limit failed: %v", err)
	}
	if len(one) != 1 || one[0].PaymentIntentID != "pi_pending" {
		t.Errorf("limit not applied: %+v", one)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusProcessing] != 2 || counts[StatusSettled] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
