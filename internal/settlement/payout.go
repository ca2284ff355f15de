package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	stripe "github.com/stripe/stripe-go/v81"
	stripeclient "github.com/stripe/stripe-go/v81/client"

	"github.com/avernet/paylane/internal/metrics"
	"github.com/avernet/paylane/internal/rail"
)

var (
	// ErrUnroutablePayee means the payee account matches no payout rail.
	// Permanent: retrying cannot fix a malformed account reference.
	ErrUnroutablePayee = errors.New("settlement: payee account matches no payout rail")

	// ErrStripeDisabled means an acct_* payee was seen but no Stripe key
	// is configured.
	ErrStripeDisabled = errors.New("settlement: stripe payouts not configured")
)

// Payer executes a single payout and returns a transfer reference. The
// idempotency key is stable per (payment intent, payee) so a retried
// payout cannot double-pay on rails that honor it.
type Payer interface {
	Payout(ctx context.Context, account string, amount *big.Int, idempotencyKey string) (string, error)
}

// Router routes payouts by account prefix: acct_* to Stripe, 0x* to the
// on-chain USDC rail.
type Router struct {
	rail           rail.Rail
	stripe         *stripeclient.API
	confirmTimeout time.Duration
}

// NewRouter creates a payout router. stripeKey may be empty, which
// disables the Stripe rail.
func NewRouter(r rail.Rail, stripeKey string, confirmTimeout time.Duration) *Router {
	router := &Router{rail: r, confirmTimeout: confirmTimeout}
	if confirmTimeout <= 0 {
		router.confirmTimeout = 2 * time.Minute
	}
	if stripeKey != "" {
		sc := &stripeclient.API{}
		sc.Init(stripeKey, nil)
		router.stripe = sc
	}
	return router
}

func (r *Router) Payout(ctx context.Context, account string, amount *big.Int, idempotencyKey string) (string, error) {
	switch {
	case strings.HasPrefix(account, "acct_"):
		return r.stripePayout(ctx, account, amount, idempotencyKey)
	case common.IsHexAddress(account):
		return r.onchainPayout(ctx, account, amount)
	default:
		metrics.PayoutsTotal.WithLabelValues("none", "unroutable").Inc()
		return "", fmt.Errorf("%w: %q", ErrUnroutablePayee, account)
	}
}

// stripePayout transfers to a connected Stripe account. USDC carries six
// decimals and fiat two, so the amount is floored to whole cents; the
// sub-cent remainder stays in the platform treasury.
func (r *Router) stripePayout(ctx context.Context, account string, amount *big.Int, idempotencyKey string) (string, error) {
	if r.stripe == nil {
		metrics.PayoutsTotal.WithLabelValues("stripe", "failed").Inc()
		return "", ErrStripeDisabled
	}

	cents := new(big.Int).Div(amount, big.NewInt(10_000))
	if cents.Sign() <= 0 {
		// Below one cent; nothing to transfer.
		return "sub_cent_skipped", nil
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(cents.Int64()),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(account),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := r.stripe.Transfers.New(params)
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("stripe", "failed").Inc()
		return "", fmt.Errorf("stripe transfer to %s failed: %w", account, err)
	}

	metrics.PayoutsTotal.WithLabelValues("stripe", "ok").Inc()
	return tr.ID, nil
}

// onchainPayout transfers USDC and waits for the receipt, so the returned
// reference is a confirmed transaction hash. The rail has no idempotency
// key; the caller must persist the reference before retrying siblings.
func (r *Router) onchainPayout(ctx context.Context, account string, amount *big.Int) (string, error) {
	result, err := r.rail.Transfer(ctx, common.HexToAddress(account), amount)
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("onchain", "failed").Inc()
		return "", err
	}

	if _, err := r.rail.WaitForConfirmation(ctx, result.TxHash, r.confirmTimeout); err != nil {
		metrics.PayoutsTotal.WithLabelValues("onchain", "failed").Inc()
		return "", err
	}

	metrics.PayoutsTotal.WithLabelValues("onchain", "ok").Inc()
	return result.TxHash, nil
}

// permanentPayoutError reports whether a payout error can never succeed on
// retry.
func permanentPayoutError(err error) bool {
	if errors.Is(err, ErrUnroutablePayee) || errors.Is(err, ErrStripeDisabled) {
		return true
	}
	if rail.IsPermanent(err) {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		// Card/network hiccups come back as other types; a request Stripe
		// itself calls invalid will never go through.
		return stripeErr.Type == stripe.ErrorTypeInvalidRequest
	}
	return false
}
