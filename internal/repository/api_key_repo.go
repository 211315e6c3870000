package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

// APIKeyWithAccount is the auth middleware's lookup result.
type APIKeyWithAccount struct {
	Key     models.APIKey
	Account models.Account
}

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, account_id, key_hash, label)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, k.ID, k.AccountID, k.KeyHash, k.Label).Scan(&k.CreatedAt)
}

// FindByKeyHash resolves a hashed bearer token to its key and account.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*APIKeyWithAccount, error) {
	var out APIKeyWithAccount
	err := r.pool.QueryRow(ctx, `
		SELECT k.id, k.account_id, k.key_hash, k.label, k.created_at,
		       a.id, a.email, a.display_name, a.balance, a.lifetime_balance, a.tier, a.created_at, a.updated_at
		FROM api_keys k
		JOIN accounts a ON a.id = k.account_id
		WHERE k.key_hash = $1
	`, keyHash).Scan(
		&out.Key.ID, &out.Key.AccountID, &out.Key.KeyHash, &out.Key.Label, &out.Key.CreatedAt,
		&out.Account.ID, &out.Account.Email, &out.Account.DisplayName, &out.Account.Balance,
		&out.Account.LifetimeBalance, &out.Account.Tier, &out.Account.CreatedAt, &out.Account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
