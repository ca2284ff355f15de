package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Budget consumption runs
// in a transaction that locks the session row, so the limit check and the
// increment are one atomic unit; replay dedupe rides the same transaction
// via a unique index on (session_id, nonce).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner_address, signer_address,
			single_limit, daily_limit, used_today, last_reset_date,
			expiry, revoked_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		s.ID,
		strings.ToLower(s.Owner),
		strings.ToLower(s.Signer),
		s.SingleLimit.String(),
		s.DailyLimit.String(),
		s.UsedToday.String(),
		s.LastResetDate,
		s.Expiry,
		nullTime(s.RevokedAt),
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, owner_address, signer_address,
		       single_limit, daily_limit, used_today, last_reset_date,
		       expiry, revoked_at, created_at
		FROM sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetByOwner(ctx context.Context, owner string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_address, signer_address,
		       single_limit, daily_limit, used_today, last_reset_date,
		       expiry, revoked_at, created_at
		FROM sessions WHERE owner_address = $1 ORDER BY created_at DESC
	`, strings.ToLower(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already revoked (no-op by design) or missing.
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) ConsumeBudget(ctx context.Context, id string, amount *big.Int, now time.Time) error {
	return p.consume(ctx, id, nil, amount, now)
}

func (p *PostgresStore) ConsumeSpend(ctx context.Context, id string, nonce uint64, amount *big.Int, now time.Time) error {
	return p.consume(ctx, id, &nonce, amount, now)
}

func (p *PostgresStore) consume(ctx context.Context, id string, nonce *uint64, amount *big.Int, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the session row: this is the per-session serialization point.
	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_address, signer_address,
		       single_limit, daily_limit, used_today, last_reset_date,
		       expiry, revoked_at, created_at
		FROM sessions WHERE id = $1 FOR UPDATE
	`, id)
	s, err := scanSession(row)
	if err != nil {
		return err
	}

	if nonce != nil {
		// The nonce record commits (or rolls back) together with the
		// budget increment below.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_nonces (session_id, nonce) VALUES ($1, $2)
		`, id, int64(*nonce)); err != nil { //nolint:gosec // nonces fit int64 in practice; stored as BIGINT
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrReplayDetected
			}
			return fmt.Errorf("failed to record nonce: %w", err)
		}
	}

	newUsed, err := checkSpend(s, amount, now)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET used_today = $1, last_reset_date = $2 WHERE id = $3
	`, newUsed.String(), UTCDay(now), id); err != nil {
		return fmt.Errorf("failed to consume budget: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spend: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE revoked_at IS NULL AND expiry > $1
	`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var singleLimit, dailyLimit, usedToday string
	var revokedAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.Owner,
		&s.Signer,
		&singleLimit,
		&dailyLimit,
		&usedToday,
		&s.LastResetDate,
		&s.Expiry,
		&revokedAt,
		&s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	var ok bool
	if s.SingleLimit, ok = new(big.Int).SetString(singleLimit, 10); !ok {
		return nil, fmt.Errorf("corrupt single_limit %q for session %s", singleLimit, s.ID)
	}
	if s.DailyLimit, ok = new(big.Int).SetString(dailyLimit, 10); !ok {
		return nil, fmt.Errorf("corrupt daily_limit %q for session %s", dailyLimit, s.ID)
	}
	if s.UsedToday, ok = new(big.Int).SetString(usedToday, 10); !ok {
		return nil, fmt.Errorf("corrupt used_today %q for session %s", usedToday, s.ID)
	}
	if revokedAt.Valid {
		s.RevokedAt = &revokedAt.Time
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
