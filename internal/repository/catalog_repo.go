package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmiles/backend/internal/models"
)

type CatalogRepo struct {
	pool *pgxpool.Pool
}

func NewCatalogRepo(pool *pgxpool.Pool) *CatalogRepo {
	return &CatalogRepo{pool: pool}
}

func (r *CatalogRepo) Create(ctx context.Context, item *models.CatalogItem) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO catalog_items (id, name, description, required_miles, category, stock, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, item.ID, item.Name, item.Description, item.RequiredMiles, item.Category, item.Stock, item.Active).Scan(&item.CreatedAt, &item.UpdatedAt)
}

func (r *CatalogRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.CatalogItem, error) {
	item, err := scanItem(r.pool.QueryRow(ctx, `
		SELECT id, name, description, required_miles, category, stock, active, created_at, updated_at
		FROM catalog_items WHERE id = $1
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func (r *CatalogRepo) Update(ctx context.Context, item *models.CatalogItem) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE catalog_items
		SET name = $2, description = $3, required_miles = $4, category = $5, stock = $6, active = $7, updated_at = now()
		WHERE id = $1
	`, item.ID, item.Name, item.Description, item.RequiredMiles, item.Category, item.Stock, item.Active)
	return err
}

func (r *CatalogRepo) List(ctx context.Context, activeOnly bool) ([]*models.CatalogItem, error) {
	q := `
		SELECT id, name, description, required_miles, category, stock, active, created_at, updated_at
		FROM catalog_items`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY required_miles`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, rows.Err()
}

// GetForUpdate locks the item row for the duration of the transaction so
// active and stock cannot change under a redemption in flight.
func (r *CatalogRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CatalogItem, error) {
	item, err := scanItem(tx.QueryRow(ctx, `
		SELECT id, name, description, required_miles, category, stock, active, created_at, updated_at
		FROM catalog_items WHERE id = $1 FOR UPDATE
	`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// DecrementStock conditionally takes one unit of finite stock. ok is false
// when no unit was available (or the item went inactive), leaving stock
// untouched. Items with NULL stock are unlimited and must not be passed here.
func (r *CatalogRepo) DecrementStock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (ok bool, err error) {
	result, err := tx.Exec(ctx, `
		UPDATE catalog_items SET stock = stock - 1, updated_at = now()
		WHERE id = $1 AND active AND stock > 0
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func scanItem(row pgx.Row) (*models.CatalogItem, error) {
	var i models.CatalogItem
	err := row.Scan(&i.ID, &i.Name, &i.Description, &i.RequiredMiles, &i.Category, &i.Stock, &i.Active, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}
