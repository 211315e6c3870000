package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

const redemptionColumns = `id, account_id, item_id, miles_spent, status, shipping_ref, transaction_id, refund_tx_id, created_at, updated_at`

type RedemptionRepo struct {
	pool *pgxpool.Pool
}

func NewRedemptionRepo(pool *pgxpool.Pool) *RedemptionRepo {
	return &RedemptionRepo{pool: pool}
}

func (r *RedemptionRepo) CreateTx(ctx context.Context, tx pgx.Tx, req *models.RedemptionRequest) error {
	return tx.QueryRow(ctx, `
		INSERT INTO redemption_requests (id, account_id, item_id, miles_spent, status, shipping_ref, transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, req.ID, req.AccountID, req.ItemID, req.MilesSpent, req.Status, req.ShippingRef, req.TransactionID).Scan(&req.CreatedAt, &req.UpdatedAt)
}

func (r *RedemptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.RedemptionRequest, error) {
	req, err := scanRedemption(r.pool.QueryRow(ctx, `
		SELECT `+redemptionColumns+` FROM redemption_requests WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// GetForUpdate locks the request row for a status transition.
func (r *RedemptionRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.RedemptionRequest, error) {
	req, err := scanRedemption(tx.QueryRow(ctx, `
		SELECT `+redemptionColumns+` FROM redemption_requests WHERE id = $1 FOR UPDATE
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (r *RedemptionRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, shippingRef *string, refundTxID *uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE redemption_requests
		SET status = $2,
		    shipping_ref = COALESCE($3, shipping_ref),
		    refund_tx_id = COALESCE($4, refund_tx_id),
		    updated_at = now()
		WHERE id = $1
	`, id, status, shippingRef, refundTxID)
	return err
}

func (r *RedemptionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.RedemptionRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+redemptionColumns+` FROM redemption_requests
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRedemptions(rows)
}

func (r *RedemptionRepo) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*models.RedemptionRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+redemptionColumns+` FROM redemption_requests
		WHERE status = $1 ORDER BY created_at LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRedemptions(rows)
}

func scanRedemption(row pgx.Row) (*models.RedemptionRequest, error) {
	var q models.RedemptionRequest
	err := row.Scan(&q.ID, &q.AccountID, &q.ItemID, &q.MilesSpent, &q.Status, &q.ShippingRef, &q.TransactionID, &q.RefundTxID, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func collectRedemptions(rows pgx.Rows) ([]*models.RedemptionRequest, error) {
	var list []*models.RedemptionRequest
	for rows.Next() {
		req, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, req)
	}
	return list, rows.Err()
}
