package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, display_name, balance, lifetime_balance, tier)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.DisplayName, a.Balance, a.LifetimeBalance, a.Tier).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, balance, lifetime_balance, tier, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id))
}

// GetForUpdate locks the account row. Call within a transaction; every
// mutating ledger operation serializes on this lock.
func (r *AccountRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		SELECT id, email, display_name, balance, lifetime_balance, tier, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, id))
}

// Credit adds amount to the balance and lifetimeDelta to the lifetime
// balance, returning both new values. Call with the row locked.
func (r *AccountRepo) Credit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount, lifetimeDelta int64) (balance, lifetime int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1, lifetime_balance = lifetime_balance + $2, updated_at = now()
		WHERE id = $3
		RETURNING balance, lifetime_balance
	`, amount, lifetimeDelta, id).Scan(&balance, &lifetime)
	return balance, lifetime, err
}

// Debit conditionally deducts amount if the balance covers it. ok is false
// when the condition failed, leaving the balance untouched.
func (r *AccountRepo) Debit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (balance int64, ok bool, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (r *AccountRepo) SetTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier string) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET tier = $2, updated_at = now() WHERE id = $1
	`, id, tier)
	return err
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Balance, &a.LifetimeBalance, &a.Tier, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
