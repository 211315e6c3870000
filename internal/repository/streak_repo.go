package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

type StreakRepo struct {
	pool *pgxpool.Pool
}

func NewStreakRepo(pool *pgxpool.Pool) *StreakRepo {
	return &StreakRepo{pool: pool}
}

func (r *StreakRepo) Get(ctx context.Context, accountID uuid.UUID) (*models.StreakState, error) {
	s, err := scanStreak(r.pool.QueryRow(ctx, `
		SELECT account_id, current, longest, freeze_remaining, last_active_date, updated_at
		FROM streak_states WHERE account_id = $1
	`, accountID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetForUpdate upserts a zero row if the account has no streak yet, then
// returns it locked. Call within a transaction.
func (r *StreakRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.StreakState, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO streak_states (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return nil, err
	}
	return scanStreak(tx.QueryRow(ctx, `
		SELECT account_id, current, longest, freeze_remaining, last_active_date, updated_at
		FROM streak_states WHERE account_id = $1 FOR UPDATE
	`, accountID))
}

func (r *StreakRepo) UpdateTx(ctx context.Context, tx pgx.Tx, s *models.StreakState) error {
	_, err := tx.Exec(ctx, `
		UPDATE streak_states
		SET current = $2, longest = $3, freeze_remaining = $4, last_active_date = $5, updated_at = now()
		WHERE account_id = $1
	`, s.AccountID, s.Current, s.Longest, s.FreezeRemaining, s.LastActiveDate)
	return err
}

// ConsumeFreeze conditionally spends one freeze credit. ok is false when none
// remain.
func (r *StreakRepo) ConsumeFreeze(ctx context.Context, accountID uuid.UUID) (remaining int, ok bool, err error) {
	err = r.pool.QueryRow(ctx, `
		UPDATE streak_states SET freeze_remaining = freeze_remaining - 1, updated_at = now()
		WHERE account_id = $1 AND freeze_remaining > 0
		RETURNING freeze_remaining
	`, accountID).Scan(&remaining)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

// ReplenishFreezes tops every account's freeze allowance up to cap. Accounts
// already at or above cap are left alone, so the allowance never accrues
// beyond it.
func (r *StreakRepo) ReplenishFreezes(ctx context.Context, cap int) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE streak_states SET freeze_remaining = $1, updated_at = now()
		WHERE freeze_remaining < $1
	`, cap)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanStreak(row pgx.Row) (*models.StreakState, error) {
	var s models.StreakState
	var lastActive *time.Time
	err := row.Scan(&s.AccountID, &s.Current, &s.Longest, &s.FreezeRemaining, &lastActive, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LastActiveDate = lastActive
	return &s, nil
}
