package relayer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avernet/paylane/internal/metrics"
	"github.com/avernet/paylane/internal/money"
	"github.com/avernet/paylane/internal/rail"
	"github.com/avernet/paylane/internal/retry"
	"github.com/avernet/paylane/internal/session"
	"github.com/avernet/paylane/internal/syncutil"
	"github.com/avernet/paylane/internal/traces"
)

// Config tunes the executor pipeline.
type Config struct {
	ChainID         int64
	Workers         int           // concurrent pipeline workers
	MaxAttempts     int           // rail submission attempts before failing
	RetryBase       time.Duration // base backoff between attempts
	ConfirmTimeout  time.Duration // per-poll receipt wait
	RequeueInterval time.Duration // sweep for stranded submissions
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.RequeueInterval <= 0 {
		c.RequeueInterval = 30 * time.Second
	}
}

// Executor validates spend requests and drives accepted submissions
// through the settlement rail.
type Executor struct {
	authority *session.Authority
	store     Store
	rail      rail.Rail
	cfg       Config
	logger    *slog.Logger
	events    Events

	// outbound serializes rail submissions per relayer identity so that
	// concurrent spends cannot race for the same account nonce.
	outbound *syncutil.ContextShardedMutex
	// inflight serializes pipeline work per payment id; the queue and the
	// requeue sweep can both hand a worker the same submission.
	inflight syncutil.ShardedMutex
	queue    chan string
	stop     chan struct{}
}

// NewExecutor creates an executor. Call Start in a goroutine to run the
// submission pipeline.
func NewExecutor(authority *session.Authority, store Store, r rail.Rail, cfg Config, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		authority: authority,
		store:     store,
		rail:      r,
		cfg:       cfg,
		logger:    logger,
		outbound:  syncutil.NewContextShardedMutex(),
		queue:     make(chan string, 256),
		stop:      make(chan struct{}, 1),
	}
}

// WithEvents adds a lifecycle event sink.
func (e *Executor) WithEvents(ev Events) *Executor {
	e.events = ev
	return e
}

// Submit validates a spend request and, on acceptance, consumes the
// session budget atomically and queues the transfer. The returned
// submission is in status queued; confirmation arrives asynchronously.
func (e *Executor) Submit(ctx context.Context, req SpendRequest) (*Submission, error) {
	ctx, span := traces.StartSpan(ctx, "relayer.Submit",
		traces.SessionID(req.SessionID),
		traces.PaymentID(req.PaymentID),
	)
	defer span.End()

	if req.ChainID != e.cfg.ChainID {
		e.rejected("chain_mismatch")
		return nil, ErrChainMismatch
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || !money.IsPositive(amount) {
		e.rejected("invalid_amount")
		return nil, &session.ValidationError{Code: "invalid_amount", Message: "Amount must be a positive decimal"}
	}
	if !common.IsHexAddress(req.Recipient) {
		e.rejected("invalid_recipient")
		return nil, &session.ValidationError{Code: "invalid_recipient", Message: "Recipient must be a hex address"}
	}
	if req.PaymentID == "" {
		e.rejected("invalid_payment_id")
		return nil, &session.ValidationError{Code: "invalid_payment_id", Message: "paymentId is required"}
	}

	s, err := e.authority.Get(ctx, req.SessionID)
	if err != nil {
		e.rejectedErr(err)
		return nil, err
	}

	digest, err := session.SpendDigest(req.SessionID, req.Recipient, amount, req.PaymentID, req.ChainID)
	if err != nil {
		e.rejected("invalid_parameters")
		return nil, &session.ValidationError{Code: "invalid_parameters", Message: err.Error()}
	}
	if err := session.VerifySpend(s, digest, req.Signature); err != nil {
		e.rejectedErr(err)
		return nil, err
	}

	// Single serialization point: replay check and budget consumption
	// commit together or not at all.
	if err := e.authority.ConsumeSpend(ctx, req.SessionID, req.Nonce, amount, time.Now().UTC()); err != nil {
		e.rejectedErr(err)
		return nil, err
	}
	metrics.SpendValidationsTotal.WithLabelValues("ok").Inc()

	now := time.Now().UTC()
	sub := &Submission{
		PaymentID: req.PaymentID,
		SessionID: req.SessionID,
		Recipient: req.Recipient,
		Amount:    amount,
		Nonce:     req.Nonce,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, sub); err != nil {
		// The budget is already consumed. The record must exist before we
		// report acceptance, so this surfaces as a server error and the
		// operator reconciles against the session's usedToday.
		e.logger.Error("CRITICAL: budget consumed but submission record failed",
			"paymentId", req.PaymentID, "sessionId", req.SessionID, "error", err)
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}

	e.emit(ctx, "relay.queued", sub)
	select {
	case e.queue <- sub.PaymentID:
	default:
		// Queue full; the requeue sweep picks it up.
		e.logger.Warn("relay queue full, deferring to sweep", "paymentId", sub.PaymentID)
	}
	return sub, nil
}

// Get returns a submission by payment id.
func (e *Executor) Get(ctx context.Context, paymentID string) (*Submission, error) {
	return e.store.Get(ctx, paymentID)
}

// Start runs the pipeline workers and the requeue sweep until ctx is done
// or Stop is called. Call in a goroutine.
func (e *Executor) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		go e.worker(ctx)
	}

	ticker := time.NewTicker(e.cfg.RequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.requeue(ctx)
		}
	}
}

// Stop signals the executor to stop.
func (e *Executor) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case paymentID := <-e.queue:
			e.safeProcess(ctx, paymentID)
		}
	}
}

func (e *Executor) safeProcess(ctx context.Context, paymentID string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in relay pipeline", "paymentId", paymentID, "panic", fmt.Sprint(r))
		}
	}()
	unlock := e.inflight.Lock(paymentID)
	defer unlock()
	e.process(ctx, paymentID)
}

func (e *Executor) process(ctx context.Context, paymentID string) {
	ctx, span := traces.StartSpan(ctx, "relayer.process",
		traces.PaymentID(paymentID),
	)
	defer span.End()

	sub, err := e.store.Get(ctx, paymentID)
	if err != nil {
		e.logger.Warn("relay submission lookup failed", "paymentId", paymentID, "error", err)
		return
	}
	if sub.Status.Terminal() {
		return
	}

	if sub.Status == StatusQueued {
		if !e.submitToRail(ctx, sub) {
			return
		}
	}
	if sub.Status == StatusSubmitted {
		e.confirm(ctx, sub)
	}
}

// submitToRail pushes the transfer onto the rail, serialized per relayer
// identity. Returns true if the submission advanced to submitted.
func (e *Executor) submitToRail(ctx context.Context, sub *Submission) bool {
	var result *rail.TransferResult

	err := retry.Do(ctx, e.cfg.MaxAttempts, e.cfg.RetryBase, func() error {
		unlock, lockErr := e.outbound.LockContext(ctx, e.rail.Address())
		if lockErr != nil {
			return retry.Permanent(lockErr)
		}
		defer unlock()

		sub.Attempts++
		res, txErr := e.rail.Transfer(ctx, common.HexToAddress(sub.Recipient), sub.Amount)
		if txErr != nil {
			if rail.IsPermanent(txErr) {
				return retry.Permanent(txErr)
			}
			return txErr
		}
		result = res
		return nil
	})

	now := time.Now().UTC()
	sub.UpdatedAt = now

	if err != nil {
		if rail.IsPermanent(err) {
			// The rail rejected the transfer outright. The session budget
			// stays consumed; refunding here could race a late confirmation.
			sub.Status = StatusRequiresReconciliation
		} else {
			sub.Status = StatusFailed
		}
		sub.FailureReason = err.Error()
		e.finalize(ctx, sub)
		return false
	}

	sub.Status = StatusSubmitted
	sub.TxHash = result.TxHash
	if updateErr := e.store.Update(ctx, sub); updateErr != nil {
		e.logger.Error("failed to persist submitted status",
			"paymentId", sub.PaymentID, "txHash", sub.TxHash, "error", updateErr)
		return false
	}
	e.logger.Info("relay transfer submitted",
		"paymentId", sub.PaymentID, "txHash", sub.TxHash, "attempts", sub.Attempts)
	e.emit(ctx, "relay.submitted", sub)
	return true
}

// confirm polls the rail for the transfer receipt. A timeout leaves the
// submission in submitted; the sweep re-polls the same transaction hash,
// never resubmitting the transfer.
func (e *Executor) confirm(ctx context.Context, sub *Submission) {
	submittedAt := sub.UpdatedAt

	_, err := e.rail.WaitForConfirmation(ctx, sub.TxHash, e.cfg.ConfirmTimeout)
	now := time.Now().UTC()
	sub.UpdatedAt = now

	switch {
	case err == nil:
		sub.Status = StatusConfirmed
		metrics.RelayConfirmationDuration.Observe(now.Sub(submittedAt).Seconds())
		e.finalize(ctx, sub)

	case rail.IsPermanent(err):
		// Reverted on-chain after the budget was consumed.
		sub.Status = StatusRequiresReconciliation
		sub.FailureReason = err.Error()
		e.finalize(ctx, sub)

	default:
		// Unknown outcome. Leave submitted for the sweep to re-poll.
		e.logger.Warn("relay confirmation pending",
			"paymentId", sub.PaymentID, "txHash", sub.TxHash, "error", err)
	}
}

func (e *Executor) finalize(ctx context.Context, sub *Submission) {
	if err := e.store.Update(ctx, sub); err != nil {
		e.logger.Error("failed to persist terminal relay status",
			"paymentId", sub.PaymentID, "status", sub.Status, "error", err)
		return
	}
	metrics.RelaySubmissionsTotal.WithLabelValues(string(sub.Status)).Inc()

	switch sub.Status {
	case StatusConfirmed:
		e.logger.Info("relay transfer confirmed", "paymentId", sub.PaymentID, "txHash", sub.TxHash)
		e.emit(ctx, "relay.confirmed", sub)
	case StatusFailed:
		e.logger.Warn("relay transfer failed",
			"paymentId", sub.PaymentID, "reason", sub.FailureReason, "attempts", sub.Attempts)
		e.emit(ctx, "relay.failed", sub)
	case StatusRequiresReconciliation:
		e.logger.Error("relay transfer requires reconciliation",
			"paymentId", sub.PaymentID, "sessionId", sub.SessionID,
			"txHash", sub.TxHash, "reason", sub.FailureReason)
		e.emit(ctx, "relay.requires_reconciliation", sub)
	}
}

// requeue re-drives submissions stranded by restarts, full queues, or
// confirmation timeouts.
func (e *Executor) requeue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in relay requeue sweep", "panic", fmt.Sprint(r))
		}
	}()

	for _, status := range []Status{StatusQueued, StatusSubmitted} {
		subs, err := e.store.ListByStatus(ctx, status, 100)
		if err != nil {
			e.logger.Warn("relay requeue list failed", "status", status, "error", err)
			continue
		}
		for _, sub := range subs {
			select {
			case e.queue <- sub.PaymentID:
			default:
				return
			}
		}
	}
}

func (e *Executor) emit(ctx context.Context, event string, sub *Submission) {
	if e.events != nil {
		e.events.RelayEvent(ctx, event, sub)
	}
}

func (e *Executor) rejected(code string) {
	metrics.SpendValidationsTotal.WithLabelValues(code).Inc()
}

func (e *Executor) rejectedErr(err error) {
	if verr, ok := err.(*session.ValidationError); ok {
		e.rejected(verr.Code)
		return
	}
	e.rejected("error")
}
