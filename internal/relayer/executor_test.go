package relayer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/avernet/paylane/internal/rail"
	"github.com/avernet/paylane/internal/session"
)

const (
	testChainID   = int64(84532)
	testOwner     = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"
)

// fakeRail scripts transfer and confirmation outcomes.
type fakeRail struct {
	mu           sync.Mutex
	transferErrs []error // consumed one per Transfer call; nil entry = success
	confirmErr   error
	transfers    int
}

func (f *fakeRail) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*rail.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	if len(f.transferErrs) > 0 {
		err := f.transferErrs[0]
		f.transferErrs = f.transferErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &rail.TransferResult{TxHash: fmt.Sprintf("0xtx%d", f.transfers)}, nil
}

func (f *fakeRail) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*rail.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &rail.TransferResult{TxHash: txHash, BlockNumber: 100}, nil
}

func (f *fakeRail) Address() string { return "0x2222222222222222222222222222222222222222" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedEvents struct {
	mu     sync.Mutex
	events []string
}

func (c *capturedEvents) RelayEvent(ctx context.Context, event string, sub *Submission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedEvents) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

type testEnv struct {
	executor  *Executor
	authority *session.Authority
	store     *MemoryStore
	rail      *fakeRail
	events    *capturedEvents
	key       *ecdsa.PrivateKey
	session   *session.Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	authority := session.NewAuthority(session.NewMemoryStore())
	s, err := authority.Create(context.Background(), testOwner, signer,
		big.NewInt(1_000_000), big.NewInt(3_000_000), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("session create failed: %v", err)
	}

	store := NewMemoryStore()
	fr := &fakeRail{}
	ev := &capturedEvents{}
	exec := NewExecutor(authority, store, fr, Config{
		ChainID:     testChainID,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
	}, discardLogger()).WithEvents(ev)

	return &testEnv{executor: exec, authority: authority, store: store, rail: fr, events: ev, key: key, session: s}
}

func (env *testEnv) signedRequest(t *testing.T, paymentID string, nonce uint64, amount string) SpendRequest {
	t.Helper()
	return env.signedRequestWithKey(t, env.key, paymentID, nonce, amount)
}

func (env *testEnv) signedRequestWithKey(t *testing.T, key *ecdsa.PrivateKey, paymentID string, nonce uint64, amount string) SpendRequest {
	t.Helper()

	amt, _ := new(big.Int).SetString(amount, 10)
	digest, err := session.SpendDigest(env.session.ID, testRecipient, amt, paymentID, testChainID)
	if err != nil {
		t.Fatalf("SpendDigest failed: %v", err)
	}
	prefixed := crypto.Keccak256(append([]byte("\x19Ethereum Signed Message:\n32"), digest...))
	sig, err := crypto.Sign(prefixed, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	sig[64] += 27

	return SpendRequest{
		SessionID: env.session.ID,
		Recipient: testRecipient,
		Amount:    formatUnits(amt),
		PaymentID: paymentID,
		Nonce:     nonce,
		Signature: "0x" + hex.EncodeToString(sig),
		ChainID:   testChainID,
	}
}

// formatUnits renders smallest units as the decimal string the API accepts.
func formatUnits(amt *big.Int) string {
	s := amt.String()
	for len(s) < 7 {
		s = "0" + s
	}
	return s[:len(s)-6] + "." + s[len(s)-6:]
}

func (env *testEnv) usedToday(t *testing.T) *big.Int {
	t.Helper()
	s, err := env.authority.Get(context.Background(), env.session.ID)
	if err != nil {
		t.Fatalf("session get failed: %v", err)
	}
	return s.UsedToday
}

func TestSubmit_AcceptsValidSpend(t *testing.T) {
	env := newTestEnv(t)

	sub, err := env.executor.Submit(context.Background(), env.signedRequest(t, "pay_1", 1, "500000"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.Status != StatusQueued {
		t.Errorf("status = %s, want queued", sub.Status)
	}
	if got := env.usedToday(t); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("usedToday = %s, want 500000", got)
	}

	stored, err := env.store.Get(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("stored submission missing: %v", err)
	}
	if stored.Amount.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("stored amount = %s", stored.Amount)
	}
}

func TestSubmit_WrongSignerRejectedWithoutConsumption(t *testing.T) {
	env := newTestEnv(t)

	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	req := env.signedRequestWithKey(t, otherKey, "pay_bad", 1, "500000")
	_, err = env.executor.Submit(context.Background(), req)
	if err != session.ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if got := env.usedToday(t); got.Sign() != 0 {
		t.Errorf("usedToday = %s after rejected spend, want 0", got)
	}
	if _, err := env.store.Get(context.Background(), "pay_bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no submission record, got err=%v", err)
	}
}

func TestSubmit_ChainMismatch(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedRequest(t, "pay_1", 1, "500000")
	req.ChainID = 1
	if _, err := env.executor.Submit(context.Background(), req); !errors.Is(err, ErrChainMismatch) {
		t.Fatalf("expected ErrChainMismatch, got %v", err)
	}
	if got := env.usedToday(t); got.Sign() != 0 {
		t.Errorf("usedToday = %s, want 0", got)
	}
}

func TestSubmit_ReplayedNonce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 7, "500000")); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	_, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_2", 7, "500000"))
	if err != session.ErrReplayDetected {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}

	// Only the first spend consumed budget.
	if got := env.usedToday(t); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("usedToday = %s, want 500000", got)
	}
}

func TestSubmit_SingleLimit(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.executor.Submit(context.Background(), env.signedRequest(t, "pay_1", 1, "2000000"))
	if err != session.ErrExceedsSingleLimit {
		t.Fatalf("expected ErrExceedsSingleLimit, got %v", err)
	}
}

func TestProcess_ConfirmsTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 1, "500000")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.executor.process(ctx, "pay_1")

	sub, err := env.store.Get(ctx, "pay_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sub.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed (reason: %s)", sub.Status, sub.FailureReason)
	}
	if sub.TxHash == "" {
		t.Error("confirmed submission missing tx hash")
	}

	events := env.events.list()
	want := []string{"relay.queued", "relay.submitted", "relay.confirmed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestProcess_TransientErrorRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.rail.transferErrs = []error{rail.ErrRPCConnection, nil}

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 1, "500000")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.executor.process(ctx, "pay_1")

	sub, _ := env.store.Get(ctx, "pay_1")
	if sub.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", sub.Status)
	}
	if sub.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", sub.Attempts)
	}
}

func TestProcess_TransientErrorsExhaustAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.rail.transferErrs = []error{rail.ErrRPCConnection, rail.ErrRPCConnection, rail.ErrRPCConnection}

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 1, "500000")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.executor.process(ctx, "pay_1")

	sub, _ := env.store.Get(ctx, "pay_1")
	if sub.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", sub.Status)
	}
	if sub.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", sub.Attempts)
	}
}

func TestProcess_PermanentRejectionParksForReconciliation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.rail.transferErrs = []error{fmt.Errorf("transfer rejected: %w", rail.ErrReverted)}

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 1, "500000")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.executor.process(ctx, "pay_1")

	sub, _ := env.store.Get(ctx, "pay_1")
	if sub.Status != StatusRequiresReconciliation {
		t.Fatalf("status = %s, want requires_reconciliation", sub.Status)
	}
	if env.rail.transfers != 1 {
		t.Errorf("transfers = %d, permanent rejection must not be retried", env.rail.transfers)
	}

	// The consumed budget stays consumed: refunds are manual.
	if got := env.usedToday(t); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Errorf("usedToday = %s, want 500000", got)
	}
}

func TestProcess_RevertedConfirmationParksForReconciliation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.rail.confirmErr = fmt.Errorf("tx 0xtx1: %w", rail.ErrReverted)

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 1, "500000")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.executor.process(ctx, "pay_1")

	sub, _ := env.store.Get(ctx, "pay_1")
	if sub.Status != StatusRequiresReconciliation {
		t.Fatalf("status = %s, want requires_reconciliation", sub.Status)
	}
}

func TestProcess_ConfirmationTimeoutStaysSubmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.rail.confirmErr = rail.ErrTimeout

	if _, err := env.executor.Submit(ctx, env.signedRequest(t, "pay_1", 1, "500000")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	env.executor.process(ctx, "pay_1")

	sub, _ := env.store.Get(ctx, "pay_1")
	if sub.Status != StatusSubmitted {
		t.Fatalf("status = %s, want submitted (unknown outcome is re-polled)", sub.Status)
	}

	// A later poll with a receipt confirms without resubmitting.
	env.rail.confirmErr = nil
	env.executor.process(ctx, "pay_1")

	sub, _ = env.store.Get(ctx, "pay_1")
	if sub.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed after re-poll", sub.Status)
	}
	if env.rail.transfers != 1 {
		t.Errorf("transfers = %d, re-poll must not resubmit", env.rail.transfers)
	}
}
