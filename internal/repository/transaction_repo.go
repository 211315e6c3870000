package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

const txColumns = `id, account_id, amount, kind, source, expires_at, swept_at, idempotency_key, metadata, created_at`

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, account_id, amount, kind, source, expires_at, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Amount, t.Kind, t.Source, t.ExpiresAt, t.IdempotencyKey, t.Metadata).Scan(&t.CreatedAt)
}

// GetByIdempotencyKey returns the prior entry for (account, key), or nil when
// the key has not been seen.
func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.Transaction, error) {
	var q interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	} = r.pool
	if tx != nil {
		q = tx
	}
	t, err := scanTransaction(q.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// CountEarnedSince counts earn entries for an action code created at or after
// dayStart. Call with the account row locked so the count and the following
// insert share one atomic view.
func (r *TransactionRepo) CountEarnedSince(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, source string, dayStart time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE account_id = $1 AND kind = 'earn' AND source = $2 AND created_at >= $3
	`, accountID, source, dayStart).Scan(&n)
	return n, err
}

// SumByAccount returns the signed sum of every ledger entry for the account.
func (r *TransactionRepo) SumByAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1
	`, accountID).Scan(&sum)
	return sum, err
}

// ListByAccount returns a page of entries, newest first, optionally filtered
// by kind.
func (r *TransactionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, kind string, limit, offset int) ([]*models.Transaction, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if kind == "" {
		rows, err = r.pool.Query(ctx, `
			SELECT `+txColumns+` FROM transactions
			WHERE account_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3
		`, accountID, limit, offset)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+txColumns+` FROM transactions
			WHERE account_id = $1 AND kind = $2
			ORDER BY created_at DESC LIMIT $3 OFFSET $4
		`, accountID, kind, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListExpiringSoon returns unswept earn entries expiring within the window.
func (r *TransactionRepo) ListExpiringSoon(ctx context.Context, accountID uuid.UUID, from, until time.Time) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 AND kind = 'earn' AND swept_at IS NULL
		  AND expires_at IS NOT NULL AND expires_at > $2 AND expires_at <= $3
		ORDER BY expires_at
	`, accountID, from, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// AccountsWithExpired returns the distinct accounts holding unswept earn
// entries that expired at or before now.
func (r *TransactionRepo) AccountsWithExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT account_id FROM transactions
		WHERE kind = 'earn' AND swept_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExpiredForSweep returns the account's unswept expired earn entries.
// Call with the account row locked; a concurrent sweep of the same account
// blocks on that lock and then sees an empty result.
func (r *TransactionRepo) ListExpiredForSweep(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.Transaction, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 AND kind = 'earn' AND swept_at IS NULL
		  AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at
	`, accountID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// MarkSwept stamps swept_at on the given earn entries so a re-run cannot
// expire them again. The entries themselves stay untouched for audit.
func (r *TransactionRepo) MarkSwept(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions SET swept_at = $2 WHERE id = ANY($1) AND swept_at IS NULL
	`, ids, now)
	return err
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Kind, &t.Source, &t.ExpiresAt, &t.SweptAt, &t.IdempotencyKey, &t.Metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Kind, &t.Source, &t.ExpiresAt, &t.SweptAt, &t.IdempotencyKey, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
