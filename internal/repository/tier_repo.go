package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

type TierRepo struct {
	pool *pgxpool.Pool
}

func NewTierRepo(pool *pgxpool.Pool) *TierRepo {
	return &TierRepo{pool: pool}
}

// Thresholds returns the tier table ascending by minimum lifetime balance.
func (r *TierRepo) Thresholds(ctx context.Context) ([]models.TierThreshold, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, min_lifetime FROM tier_thresholds ORDER BY min_lifetime
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.TierThreshold
	for rows.Next() {
		var t models.TierThreshold
		if err := rows.Scan(&t.Name, &t.MinLifetime); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Replace swaps the whole threshold table in one transaction.
func (r *TierRepo) Replace(ctx context.Context, thresholds []models.TierThreshold) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM tier_thresholds`); err != nil {
		return err
	}
	for _, t := range thresholds {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tier_thresholds (name, min_lifetime) VALUES ($1, $2)
		`, t.Name, t.MinLifetime); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
