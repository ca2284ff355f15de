package relayer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. payment_id is the
// primary key, so duplicate submissions are rejected by the database
// rather than by an application-level check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed submission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Submission) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO relay_submissions (
			payment_id, session_id, recipient, amount, nonce,
			status, tx_hash, failure_reason, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		sub.PaymentID,
		sub.SessionID,
		sub.Recipient,
		sub.Amount.String(),
		int64(sub.Nonce), //nolint:gosec // nonces fit int64 in practice; stored as BIGINT
		string(sub.Status),
		sub.TxHash,
		sub.FailureReason,
		sub.Attempts,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*Submission, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT payment_id, session_id, recipient, amount, nonce,
		       status, tx_hash, failure_reason, attempts, created_at, updated_at
		FROM relay_submissions WHERE payment_id = $1
	`, paymentID)
	return scanSubmission(row)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Submission) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE relay_submissions
		SET status = $1, tx_hash = $2, failure_reason = $3, attempts = $4, updated_at = $5
		WHERE payment_id = $6
	`,
		string(sub.Status),
		sub.TxHash,
		sub.FailureReason,
		sub.Attempts,
		sub.UpdatedAt,
		sub.PaymentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Submission, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payment_id, session_id, recipient, amount, nonce,
		       status, tx_hash, failure_reason, attempts, created_at, updated_at
		FROM relay_submissions WHERE status = $1 ORDER BY created_at ASC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var amount, status string
	var nonce int64

	err := row.Scan(
		&sub.PaymentID,
		&sub.SessionID,
		&sub.Recipient,
		&amount,
		&nonce,
		&status,
		&sub.TxHash,
		&sub.FailureReason,
		&sub.Attempts,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan submission: %w", err)
	}

	var ok bool
	if sub.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("corrupt amount %q for submission %s", amount, sub.PaymentID)
	}
	sub.Nonce = uint64(nonce) //nolint:gosec // stored from uint64, round-trips
	sub.Status = Status(status)
	return &sub, nil
}
