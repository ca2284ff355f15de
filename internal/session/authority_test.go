package session

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/avernet/paylane/internal/money"
)

const (
	testOwner  = "0x1111111111111111111111111111111111111111"
	testSigner = "0x2222222222222222222222222222222222222222"
)

func newTestAuthority() *Authority {
	return NewAuthority(NewMemoryStore())
}

func mustCreate(t *testing.T, a *Authority, singleLimit, dailyLimit string) *Session {
	t.Helper()
	single, _ := money.Parse(singleLimit)
	daily, _ := money.Parse(dailyLimit)
	s, err := a.Create(context.Background(), testOwner, testSigner, single, daily, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return s
}

func TestCreate_Validation(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	one := big.NewInt(1_000_000)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		owner  string
		signer string
		single *big.Int
		daily  *big.Int
		expiry time.Time
	}{
		{"zero single limit", testOwner, testSigner, big.NewInt(0), one, future},
		{"negative daily limit", testOwner, testSigner, one, big.NewInt(-1), future},
		{"nil daily limit", testOwner, testSigner, one, nil, future},
		{"past expiry", testOwner, testSigner, one, one, time.Now().Add(-time.Minute)},
		{"bad owner address", "bogus", testSigner, one, one, future},
		{"non-hex owner address", "0xZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ", testSigner, one, one, future},
		{"non-hex signer address", testOwner, "0x11111111111111111111111111111111111111gg", one, one, future},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Create(ctx, tt.owner, tt.signer, tt.single, tt.daily, tt.expiry)
			if err == nil {
				t.Error("expected InvalidParameters error")
			}
		})
	}
}

func TestCreate_NormalizesAddresses(t *testing.T) {
	a := newTestAuthority()
	single, _ := money.Parse("1.00")
	daily, _ := money.Parse("3.00")

	s, err := a.Create(context.Background(), "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", single, daily, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Owner != "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("owner not lowercased: %s", s.Owner)
	}
	if len(s.ID) != 64 {
		t.Errorf("session ID must be 32 hex-encoded bytes, got %q", s.ID)
	}
}

// Three sequential spends of 100 against singleLimit=100, dailyLimit=300
// succeed; a fourth spend of any positive amount is rejected.
func TestValidateAndConsume_DailyLimitExhaustion(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "100", "300")
	ctx := context.Background()
	now := time.Now()

	hundred, _ := money.Parse("100")
	for i := 0; i < 3; i++ {
		if err := a.ValidateAndConsume(ctx, s.ID, hundred, now); err != nil {
			t.Fatalf("spend %d failed: %v", i+1, err)
		}
	}

	penny, _ := money.Parse("0.01")
	if err := a.ValidateAndConsume(ctx, s.ID, penny, now); err != ErrDailyLimitExceeded {
		t.Errorf("expected ErrDailyLimitExceeded, got %v", err)
	}
}

func TestValidateAndConsume_SingleLimit(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "100", "300")

	amount, _ := money.Parse("100.01")
	if err := a.ValidateAndConsume(context.Background(), s.ID, amount, time.Now()); err != ErrExceedsSingleLimit {
		t.Errorf("expected ErrExceedsSingleLimit, got %v", err)
	}

	// Failed validation must leave usedToday untouched.
	got, _ := a.Get(context.Background(), s.ID)
	if got.UsedToday.Sign() != 0 {
		t.Errorf("usedToday changed on failed validation: %s", got.UsedToday)
	}
}

func TestValidateAndConsume_NotFound(t *testing.T) {
	a := newTestAuthority()
	amount, _ := money.Parse("1")
	if err := a.ValidateAndConsume(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000", amount, time.Now()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateAndConsume_Expired(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "100", "300")

	amount, _ := money.Parse("1")
	later := time.Now().Add(2 * time.Hour) // past the 1h expiry
	if err := a.ValidateAndConsume(context.Background(), s.ID, amount, later); err != ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

// A session that consumed its full daily limit on day D can spend again on
// day D+1, without requiring a call exactly at midnight.
func TestValidateAndConsume_DayBoundaryReset(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "300", "300")
	ctx := context.Background()

	dayD := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	full, _ := money.Parse("300")
	if err := a.ValidateAndConsume(ctx, s.ID, full, dayD); err != nil {
		t.Fatalf("day D spend failed: %v", err)
	}
	if err := a.ValidateAndConsume(ctx, s.ID, full, dayD); err != ErrDailyLimitExceeded {
		t.Fatalf("expected ErrDailyLimitExceeded on day D, got %v", err)
	}

	// Well past midnight on D+1, not at the boundary.
	dayD1 := time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC)
	if err := a.ValidateAndConsume(ctx, s.ID, full, dayD1); err != nil {
		t.Errorf("day D+1 spend should succeed after reset, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "100", "300")
	ctx := context.Background()

	// Non-owner cannot revoke.
	if err := a.Revoke(ctx, s.ID, "0x9999999999999999999999999999999999999999"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if err := a.Revoke(ctx, s.ID, testOwner); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	// Revoking twice is a no-op.
	if err := a.Revoke(ctx, s.ID, testOwner); err != nil {
		t.Errorf("second revoke should be a no-op, got %v", err)
	}

	amount, _ := money.Parse("1")
	if err := a.ValidateAndConsume(ctx, s.ID, amount, time.Now()); err != ErrRevoked {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
}

// The central race the design exists to prevent: concurrent spends against
// one session must never jointly exceed the daily limit.
func TestValidateAndConsume_ConcurrentLimitInvariant(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "10", "100") // at most 10 spends of 10 can win
	ctx := context.Background()
	now := time.Now()

	ten, _ := money.Parse("10")
	const attempts = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if err := a.ValidateAndConsume(ctx, s.ID, ten, now); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 10 {
		t.Errorf("expected exactly 10 accepted spends, got %d", accepted)
	}

	got, _ := a.Get(ctx, s.ID)
	daily, _ := money.Parse("100")
	if got.UsedToday.Cmp(daily) > 0 {
		t.Errorf("usedToday %s exceeds dailyLimit", money.Format(got.UsedToday))
	}
}

// Submitting the same (sessionId, nonce) twice yields exactly one success
// regardless of arrival order under concurrency.
func TestConsumeSpend_ReplayInvariant(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "100", "1000")
	ctx := context.Background()
	now := time.Now()

	amount, _ := money.Parse("5")
	const racers = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, replayed := 0, 0

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			err := a.ConsumeSpend(ctx, s.ID, 42, amount, now)
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				accepted++
			case ErrReplayDetected:
				replayed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly 1 accepted submission, got %d", accepted)
	}
	if replayed != racers-1 {
		t.Errorf("expected %d replay rejections, got %d", racers-1, replayed)
	}

	// The single accepted spend consumed the budget exactly once.
	got, _ := a.Get(ctx, s.ID)
	if got.UsedToday.Cmp(amount) != 0 {
		t.Errorf("usedToday = %s, want %s", money.Format(got.UsedToday), money.Format(amount))
	}

	// A different nonce still works.
	if err := a.ConsumeSpend(ctx, s.ID, 43, amount, now); err != nil {
		t.Errorf("fresh nonce rejected: %v", err)
	}
}

func TestConsumeSpend_FailedSpendDoesNotBurnNonce(t *testing.T) {
	a := newTestAuthority()
	s := mustCreate(t, a, "10", "100")
	ctx := context.Background()
	now := time.Now()

	tooMuch, _ := money.Parse("50")
	if err := a.ConsumeSpend(ctx, s.ID, 7, tooMuch, now); err != ErrExceedsSingleLimit {
		t.Fatalf("expected ErrExceedsSingleLimit, got %v", err)
	}

	// The rejected spend must not have recorded the nonce.
	ok, _ := money.Parse("10")
	if err := a.ConsumeSpend(ctx, s.ID, 7, ok, now); err != nil {
		t.Errorf("nonce burned by failed spend: %v", err)
	}
}
