package auth

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new operator and returns it.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*models.Operator, error) {
	op := &models.Operator{Email: email, DisplayName: displayName, PasswordHash: passwordHash}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO operators (email, password_hash, display_name)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, email, passwordHash, displayName).Scan(&op.ID, &op.CreatedAt)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// GetByEmail returns the operator for login. Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var op models.Operator
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM operators WHERE email = $1
	`, email).Scan(&op.ID, &op.Email, &op.DisplayName, &op.PasswordHash, &op.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}
