package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orbitmiles/backend/internal/ledger"
	"github.com/orbitmiles/backend/internal/models"
)

var (
	ErrItemNotFound            = errors.New("catalog item not found")
	ErrItemInactive            = errors.New("catalog item inactive")
	ErrOutOfStock              = errors.New("out of stock")
	ErrInsufficientMiles       = errors.New("insufficient miles")
	ErrShippingAddressRequired = errors.New("shipping address required")
	ErrRequestNotFound         = errors.New("redemption request not found")
	ErrInvalidTransition       = errors.New("invalid status transition")
)

// CatalogStore is the catalog access the engine needs. GetForUpdate must
// lock the item row; DecrementStock must be the conditional single-row
// update.
type CatalogStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CatalogItem, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CatalogItem, error)
	DecrementStock(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
}

// RequestStore persists redemption requests.
type RequestStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, req *models.RedemptionRequest) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.RedemptionRequest, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, shippingRef *string, refundTxID *uuid.UUID) error
}

// Appender is the ledger write surface the engine uses.
type Appender interface {
	AppendRedeem(ctx context.Context, tx pgx.Tx, p ledger.AppendParams) (*ledger.AppendResult, error)
	AppendRefund(ctx context.Context, tx pgx.Tx, p ledger.AppendParams) (*ledger.AppendResult, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service executes stock-limited redemptions atomically and runs the request
// review lifecycle.
type Service struct {
	pool     TxBeginner
	catalog  CatalogStore
	requests RequestStore
	ledger   Appender
	logger   *slog.Logger
}

func NewService(pool TxBeginner, catalog CatalogStore, requests RequestStore, ledgerSvc Appender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, catalog: catalog, requests: requests, ledger: ledgerSvc, logger: logger}
}

// Redeem exchanges miles for a catalog item. The stock decrement, the balance
// deduction, the request row, and the redeem ledger entry commit together or
// not at all: interleaving two redemptions of the last unit yields exactly
// one success. Shipping validation happens before the transaction so a bad
// request never contends for locks.
func (s *Service) Redeem(ctx context.Context, accountID, itemID uuid.UUID, shippingRef string) (*models.RedemptionRequest, error) {
	item, err := s.catalog.GetByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("loading item: %w", err)
	}
	if item == nil {
		return nil, ErrItemNotFound
	}
	if !item.Active {
		return nil, ErrItemInactive
	}
	if item.RequiresShipping() && shippingRef == "" {
		return nil, ErrShippingAddressRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-read under the row lock: the item may have been deactivated since
	// the validation read, and unlimited-stock items never pass through the
	// conditional stock update below.
	item, err = s.catalog.GetForUpdate(ctx, tx, itemID)
	if err != nil {
		return nil, fmt.Errorf("locking item: %w", err)
	}
	if item == nil {
		return nil, ErrItemNotFound
	}
	if !item.Active {
		return nil, ErrItemInactive
	}

	if item.Stock != nil {
		ok, err := s.catalog.DecrementStock(ctx, tx, itemID)
		if err != nil {
			return nil, fmt.Errorf("decrementing stock: %w", err)
		}
		if !ok {
			return nil, ErrOutOfStock
		}
	}

	meta, _ := json.Marshal(map[string]string{"item_id": itemID.String(), "item_name": item.Name})
	res, err := s.ledger.AppendRedeem(ctx, tx, ledger.AppendParams{
		AccountID: accountID,
		Amount:    item.RequiredMiles,
		Source:    "redemption",
		Metadata:  meta,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, ErrInsufficientMiles
		}
		return nil, err
	}

	req := &models.RedemptionRequest{
		ID:            uuid.New(),
		AccountID:     accountID,
		ItemID:        itemID,
		MilesSpent:    item.RequiredMiles,
		Status:        models.RedemptionPending,
		TransactionID: res.Transaction.ID,
	}
	if shippingRef != "" {
		req.ShippingRef = &shippingRef
	}
	if err := s.requests.CreateTx(ctx, tx, req); err != nil {
		return nil, fmt.Errorf("creating redemption request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit redeem tx: %w", err)
	}

	s.logger.Info("redemption created",
		"request_id", req.ID, "account_id", accountID, "item_id", itemID, "miles_spent", req.MilesSpent)
	return req, nil
}

// Approve moves a pending request to approved.
func (s *Service) Approve(ctx context.Context, requestID uuid.UUID) (*models.RedemptionRequest, error) {
	return s.transition(ctx, requestID, models.RedemptionApproved, nil, []string{models.RedemptionPending})
}

// Ship moves an approved request to shipped, recording the carrier reference.
func (s *Service) Ship(ctx context.Context, requestID uuid.UUID, shippingRef string) (*models.RedemptionRequest, error) {
	var ref *string
	if shippingRef != "" {
		ref = &shippingRef
	}
	return s.transition(ctx, requestID, models.RedemptionShipped, ref, []string{models.RedemptionApproved})
}

// Complete closes out a shipped request.
func (s *Service) Complete(ctx context.Context, requestID uuid.UUID) (*models.RedemptionRequest, error) {
	return s.transition(ctx, requestID, models.RedemptionCompleted, nil, []string{models.RedemptionShipped})
}

// Reject refuses a pending or approved request and posts a compensating
// refund for the spent miles. Finite stock is NOT restored: returning a
// rejected unit to the shelf is an explicit operator action on the catalog.
func (s *Service) Reject(ctx context.Context, requestID uuid.UUID) (*models.RedemptionRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reject tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, fmt.Errorf("locking request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	if req.Status != models.RedemptionPending && req.Status != models.RedemptionApproved {
		return nil, fmt.Errorf("%w: cannot reject a %s request", ErrInvalidTransition, req.Status)
	}

	meta, _ := json.Marshal(map[string]string{"redemption_id": req.ID.String()})
	res, err := s.ledger.AppendRefund(ctx, tx, ledger.AppendParams{
		AccountID: req.AccountID,
		Amount:    req.MilesSpent,
		Source:    "redemption_refund",
		Metadata:  meta,
	})
	if err != nil {
		return nil, fmt.Errorf("posting refund: %w", err)
	}

	refundID := res.Transaction.ID
	if err := s.requests.UpdateStatusTx(ctx, tx, req.ID, models.RedemptionRejected, nil, &refundID); err != nil {
		return nil, fmt.Errorf("updating request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reject tx: %w", err)
	}

	req.Status = models.RedemptionRejected
	req.RefundTxID = &refundID
	s.logger.Info("redemption rejected", "request_id", req.ID, "refunded_miles", req.MilesSpent)
	return req, nil
}

func (s *Service) transition(ctx context.Context, requestID uuid.UUID, to string, shippingRef *string, from []string) (*models.RedemptionRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requests.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return nil, fmt.Errorf("locking request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	allowed := false
	for _, st := range from {
		if req.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, to)
	}
	if err := s.requests.UpdateStatusTx(ctx, tx, req.ID, to, shippingRef, nil); err != nil {
		return nil, fmt.Errorf("updating request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition tx: %w", err)
	}
	req.Status = to
	if shippingRef != nil {
		req.ShippingRef = shippingRef
	}
	return req, nil
}
