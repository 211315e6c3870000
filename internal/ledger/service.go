package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orbitmiles/backend/internal/models"
)

// ErrInsufficientBalance is returned when a deduction would take the balance
// below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// AccountStore is the minimal account access the ledger needs.
type AccountStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	Credit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount, lifetimeDelta int64) (balance, lifetime int64, err error)
	Debit(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (balance int64, ok bool, err error)
	SetTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier string) error
}

// TransactionStore is the minimal ledger-entry access the service needs.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.Transaction, error)
}

// TierStore provides the threshold table.
type TierStore interface {
	Thresholds(ctx context.Context) ([]models.TierThreshold, error)
}

// AppendParams describes one ledger append. Amount is signed per the kind's
// convention: earn/refund positive, redeem/expire negative, adjust either.
type AppendParams struct {
	AccountID      uuid.UUID
	Amount         int64
	Kind           string
	Source         string
	ExpiresAt      *time.Time
	IdempotencyKey *string
	Metadata       json.RawMessage
}

// AppendResult carries the created (or replayed) entry and the post-append
// balance view.
type AppendResult struct {
	Transaction  *models.Transaction
	Snapshot     models.BalanceSnapshot
	TierChanged  bool
	PreviousTier string
	// Replayed is true when the idempotency key had been seen before; the
	// result then carries the original entry and no new write happened.
	Replayed bool
}

// Service appends entries to the mile ledger and keeps the balance and tier
// projections on the account row in step with them. Every append happens
// under the account's row lock so concurrent operations on one account
// serialize; operations on different accounts proceed in parallel.
type Service struct {
	accounts     AccountStore
	transactions TransactionStore
	tiers        TierStore
}

func NewService(accounts AccountStore, transactions TransactionStore, tiers TierStore) *Service {
	return &Service{accounts: accounts, transactions: transactions, tiers: tiers}
}

// AppendEarn posts a positive earn entry and grows the lifetime balance.
func (s *Service) AppendEarn(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("earn amount must be positive, got %d", p.Amount)
	}
	p.Kind = models.TxEarn
	return s.append(ctx, tx, p)
}

// AppendRedeem posts a negative redeem entry, failing with
// ErrInsufficientBalance when the balance cannot cover it. amount is the
// positive number of miles to deduct.
func (s *Service) AppendRedeem(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("redeem amount must be positive, got %d", p.Amount)
	}
	p.Amount = -p.Amount
	p.Kind = models.TxRedeem
	p.ExpiresAt = nil
	return s.append(ctx, tx, p)
}

// AppendAdjust posts a signed manual adjustment. Downward adjustments fail
// with ErrInsufficientBalance rather than going negative.
func (s *Service) AppendAdjust(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	if p.Amount == 0 {
		return nil, errors.New("adjust amount must be non-zero")
	}
	p.Kind = models.TxAdjust
	return s.append(ctx, tx, p)
}

// AppendRefund posts a positive refund entry restoring previously spent
// miles. Refunds do not grow the lifetime balance; the miles were counted
// when first earned.
func (s *Service) AppendRefund(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %d", p.Amount)
	}
	p.Kind = models.TxRefund
	p.ExpiresAt = nil
	return s.append(ctx, tx, p)
}

// AppendExpire posts a negative expire entry. amount is the positive number
// of miles being reclaimed and must not exceed the balance; the sweeper
// clamps before calling.
func (s *Service) AppendExpire(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("expire amount must be positive, got %d", p.Amount)
	}
	p.Amount = -p.Amount
	p.Kind = models.TxExpire
	p.ExpiresAt = nil
	return s.append(ctx, tx, p)
}

// append is the single write path: replay check, row lock, conditional
// balance move, entry insert, tier recompute. Call within a transaction; the
// caller owns commit/rollback.
func (s *Service) append(ctx context.Context, tx pgx.Tx, p AppendParams) (*AppendResult, error) {
	if p.IdempotencyKey != nil {
		prior, err := s.transactions.GetByIdempotencyKey(ctx, tx, p.AccountID, *p.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prior != nil {
			return s.replayResult(ctx, tx, prior)
		}
	}

	acc, err := s.accounts.GetForUpdate(ctx, tx, p.AccountID)
	if err != nil {
		return nil, fmt.Errorf("locking account: %w", err)
	}

	var balance, lifetime int64
	if p.Amount >= 0 {
		var lifetimeDelta int64
		if p.Kind == models.TxEarn || (p.Kind == models.TxAdjust && p.Amount > 0) {
			lifetimeDelta = p.Amount
		}
		balance, lifetime, err = s.accounts.Credit(ctx, tx, p.AccountID, p.Amount, lifetimeDelta)
		if err != nil {
			return nil, fmt.Errorf("crediting account: %w", err)
		}
	} else {
		var ok bool
		balance, ok, err = s.accounts.Debit(ctx, tx, p.AccountID, -p.Amount)
		if err != nil {
			return nil, fmt.Errorf("debiting account: %w", err)
		}
		if !ok {
			return nil, ErrInsufficientBalance
		}
		lifetime = acc.LifetimeBalance
	}

	entry := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      p.AccountID,
		Amount:         p.Amount,
		Kind:           p.Kind,
		Source:         p.Source,
		ExpiresAt:      p.ExpiresAt,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
	}
	if err := s.transactions.CreateTx(ctx, tx, entry); err != nil {
		// A concurrent request with the same idempotency key may have won
		// the race; surface the original entry instead of the conflict.
		var pgErr *pgconn.PgError
		if p.IdempotencyKey != nil && errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("idempotency key conflict, retry the request: %w", err)
		}
		return nil, fmt.Errorf("inserting transaction: %w", err)
	}

	result := &AppendResult{
		Transaction:  entry,
		Snapshot:     models.BalanceSnapshot{Balance: balance, LifetimeBalance: lifetime, Tier: acc.Tier},
		PreviousTier: acc.Tier,
	}

	newTier, err := s.tierFor(ctx, lifetime, acc.Tier)
	if err != nil {
		return nil, err
	}
	if newTier != acc.Tier {
		if err := s.accounts.SetTier(ctx, tx, p.AccountID, newTier); err != nil {
			return nil, fmt.Errorf("updating tier: %w", err)
		}
		tierMeta, _ := json.Marshal(map[string]string{"from": acc.Tier, "to": newTier})
		tierEntry := &models.Transaction{
			ID:        uuid.New(),
			AccountID: p.AccountID,
			Amount:    0,
			Kind:      models.TxAdjust,
			Source:    "tier_change",
			Metadata:  tierMeta,
		}
		if err := s.transactions.CreateTx(ctx, tx, tierEntry); err != nil {
			return nil, fmt.Errorf("inserting tier change: %w", err)
		}
		result.TierChanged = true
		result.Snapshot.Tier = newTier
	}
	return result, nil
}

// replayResult rebuilds the response for an idempotency-key replay from the
// original entry and the current account row. No write happens.
func (s *Service) replayResult(ctx context.Context, tx pgx.Tx, prior *models.Transaction) (*AppendResult, error) {
	acc, err := s.accounts.GetForUpdate(ctx, tx, prior.AccountID)
	if err != nil {
		return nil, fmt.Errorf("loading account for replay: %w", err)
	}
	return &AppendResult{
		Transaction:  prior,
		Snapshot:     models.BalanceSnapshot{Balance: acc.Balance, LifetimeBalance: acc.LifetimeBalance, Tier: acc.Tier},
		PreviousTier: acc.Tier,
		Replayed:     true,
	}, nil
}

func (s *Service) tierFor(ctx context.Context, lifetime int64, fallback string) (string, error) {
	thresholds, err := s.tiers.Thresholds(ctx)
	if err != nil {
		return "", fmt.Errorf("loading tier thresholds: %w", err)
	}
	if len(thresholds) == 0 {
		return fallback, nil
	}
	return ComputeTier(thresholds, lifetime), nil
}
