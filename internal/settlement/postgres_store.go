package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/avernet/paylane/internal/allocation"
)

// PostgresStore implements Store using PostgreSQL. The record and its
// allocation lines commit in one transaction; payment_intent_id is unique,
// so concurrent creators lose cleanly to the first insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlements (
			payment_intent_id, order_id, total_amount, currency, product_type,
			channel_fee, platform_base_fee, pool_fee, merchant_amount, platform_net,
			status, failure_reason, dispute_reason, resolution, attempts,
			next_retry_at, audit_proof_hash, settled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		rec.PaymentIntentID, rec.OrderID, rec.TotalAmount.String(), rec.Currency, string(rec.ProductType),
		rec.ChannelFee.String(), rec.PlatformBaseFee.String(), rec.PoolFee.String(),
		rec.MerchantAmount.String(), rec.PlatformNet.String(),
		string(rec.Status), rec.FailureReason, rec.DisputeReason, rec.Resolution, rec.Attempts,
		nullTime(rec.NextRetryAt), rec.AuditProofHash, nullTime(rec.SettledAt), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateIntent
		}
		return fmt.Errorf("failed to create settlement: %w", err)
	}

	for i, line := range rec.Allocations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO allocation_lines (
				payment_intent_id, position, payee_id, payee_type, account, amount, transfer_ref
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			rec.PaymentIntentID, i, line.PayeeID, string(line.PayeeType),
			line.Account, line.Amount.String(), line.TransferRef,
		); err != nil {
			return fmt.Errorf("failed to create allocation line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, paymentIntentID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payment_intent_id, order_id, total_amount, currency, product_type,
		       channel_fee, platform_base_fee, pool_fee, merchant_amount, platform_net,
		       status, failure_reason, dispute_reason, resolution, attempts,
		       next_retry_at, audit_proof_hash, settled_at, created_at, updated_at
		FROM settlements WHERE payment_intent_id = $1
	`, paymentIntentID)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	if err := p.loadLines(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE settlements
		SET status = $1, failure_reason = $2, dispute_reason = $3, resolution = $4,
		    attempts = $5, next_retry_at = $6, audit_proof_hash = $7,
		    settled_at = $8, updated_at = $9
		WHERE payment_intent_id = $10
	`,
		string(rec.Status), rec.FailureReason, rec.DisputeReason, rec.Resolution,
		rec.Attempts, nullTime(rec.NextRetryAt), rec.AuditProofHash,
		nullTime(rec.SettledAt), rec.UpdatedAt, rec.PaymentIntentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for i, line := range rec.Allocations {
		if _, err := tx.ExecContext(ctx, `
			UPDATE allocation_lines SET transfer_ref = $1
			WHERE payment_intent_id = $2 AND position = $3
		`, line.TransferRef, rec.PaymentIntentID, i); err != nil {
			return fmt.Errorf("failed to update allocation line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement update: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payment_intent_id, order_id, total_amount, currency, product_type,
		       channel_fee, platform_base_fee, pool_fee, merchant_amount, platform_net,
		       status, failure_reason, dispute_reason, resolution, attempts,
		       next_retry_at, audit_proof_hash, settled_at, created_at, updated_at
		FROM settlements
		WHERE status = 'pending'
		   OR (status = 'processing' AND (next_retry_at IS NULL OR next_retry_at <= $1))
		ORDER BY created_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due settlements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if err := p.loadLines(ctx, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM settlements GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count settlements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan settlement count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func (p *PostgresStore) loadLines(ctx context.Context, rec *Record) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payee_id, payee_type, account, amount, transfer_ref
		FROM allocation_lines
		WHERE payment_intent_id = $1 ORDER BY position ASC
	`, rec.PaymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to load allocation lines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var line AllocationLine
		var payeeType, amount string
		if err := rows.Scan(&line.PayeeID, &payeeType, &line.Account, &amount, &line.TransferRef); err != nil {
			return fmt.Errorf("failed to scan allocation line: %w", err)
		}
		line.PayeeType = PayeeType(payeeType)
		var ok bool
		if line.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
			return fmt.Errorf("corrupt amount %q in allocation line for %s", amount, rec.PaymentIntentID)
		}
		rec.Allocations = append(rec.Allocations, line)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var total, channel, base, pool, merchant, platformNet, productType, status string
	var nextRetry, settledAt sql.NullTime

	err := row.Scan(
		&rec.PaymentIntentID, &rec.OrderID, &total, &rec.Currency, &productType,
		&channel, &base, &pool, &merchant, &platformNet,
		&status, &rec.FailureReason, &rec.DisputeReason, &rec.Resolution, &rec.Attempts,
		&nextRetry, &rec.AuditProofHash, &settledAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan settlement: %w", err)
	}

	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&rec.TotalAmount, total},
		{&rec.ChannelFee, channel},
		{&rec.PlatformBaseFee, base},
		{&rec.PoolFee, pool},
		{&rec.MerchantAmount, merchant},
		{&rec.PlatformNet, platformNet},
	} {
		v, ok := new(big.Int).SetString(f.src, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt amount %q for settlement %s", f.src, rec.PaymentIntentID)
		}
		*f.dst = v
	}

	rec.ProductType = allocation.ProductType(productType)
	rec.Status = Status(status)
	if nextRetry.Valid {
		rec.NextRetryAt = &nextRetry.Time
	}
	if settledAt.Valid {
		rec.SettledAt = &settledAt.Time
	}
	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
