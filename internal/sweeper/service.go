package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orbitmiles/backend/internal/ledger"
	"github.com/orbitmiles/backend/internal/models"
)

// SweepStore is the transaction access the sweeper needs.
type SweepStore interface {
	AccountsWithExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListExpiredForSweep(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.Transaction, error)
	MarkSwept(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error
}

// AccountLocker serializes the sweep with live traffic on the same account.
type AccountLocker interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
}

// Appender posts the compensating expire entries.
type Appender interface {
	AppendExpire(ctx context.Context, tx pgx.Tx, p ledger.AppendParams) (*ledger.AppendResult, error)
}

// FreezeReplenisher tops up streak freeze allowances.
type FreezeReplenisher interface {
	ReplenishFreezes(ctx context.Context, cap int) (int64, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Discrepancy reports an account whose expiring sum exceeded its balance; the
// expiry was clamped so the balance stays at zero instead of going negative.
type Discrepancy struct {
	AccountID uuid.UUID `json:"account_id"`
	Expiring  int64     `json:"expiring"`
	Expired   int64     `json:"expired"`
}

// AccountError is one account's sweep failure. Failures never abort the
// batch; they are collected and reported together.
type AccountError struct {
	AccountID uuid.UUID `json:"account_id"`
	Err       string    `json:"error"`
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	AccountsProcessed int           `json:"accounts_processed"`
	EntriesSwept      int           `json:"entries_swept"`
	MilesExpired      int64         `json:"miles_expired"`
	Discrepancies     []Discrepancy `json:"discrepancies,omitempty"`
	Failures          []AccountError `json:"failures,omitempty"`
}

// Service reclaims expired earned miles and runs the monthly freeze reset.
// Both passes are idempotent and use the same row-lock primitives as live
// mutations, so they are safe to re-run or to run against traffic.
type Service struct {
	pool         TxBeginner
	transactions SweepStore
	accounts     AccountLocker
	ledger       Appender
	streaks      FreezeReplenisher
	freezeCap    int
	logger       *slog.Logger
}

func NewService(pool TxBeginner, transactions SweepStore, accounts AccountLocker, ledgerSvc Appender, streaks FreezeReplenisher, freezeCap int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:         pool,
		transactions: transactions,
		accounts:     accounts,
		ledger:       ledgerSvc,
		streaks:      streaks,
		freezeCap:    freezeCap,
		logger:       logger,
	}
}

// Sweep expires every unswept earn entry with expires_at <= now. Each
// account is processed in its own transaction under the account row lock;
// swept entries are stamped so a re-run cannot expire them twice.
func (s *Service) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	accountIDs, err := s.transactions.AccountsWithExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("finding accounts with expired miles: %w", err)
	}

	result := &SweepResult{}
	for _, accountID := range accountIDs {
		swept, expired, disc, err := s.sweepAccount(ctx, accountID, now)
		if err != nil {
			s.logger.Error("sweep failed for account", "account_id", accountID, "error", err)
			result.Failures = append(result.Failures, AccountError{AccountID: accountID, Err: err.Error()})
			continue
		}
		result.AccountsProcessed++
		result.EntriesSwept += swept
		result.MilesExpired += expired
		if disc != nil {
			result.Discrepancies = append(result.Discrepancies, *disc)
		}
	}

	s.logger.Info("expiration sweep finished",
		"accounts", result.AccountsProcessed,
		"entries", result.EntriesSwept,
		"miles_expired", result.MilesExpired,
		"discrepancies", len(result.Discrepancies),
		"failures", len(result.Failures))
	return result, nil
}

func (s *Service) sweepAccount(ctx context.Context, accountID uuid.UUID, now time.Time) (swept int, expired int64, disc *Discrepancy, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("locking account: %w", err)
	}

	entries, err := s.transactions.ListExpiredForSweep(ctx, tx, accountID, now)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("listing expired entries: %w", err)
	}
	if len(entries) == 0 {
		// A concurrent sweep got here first.
		return 0, 0, nil, nil
	}

	var sum int64
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		sum += e.Amount
		ids = append(ids, e.ID)
	}

	// Never expire below zero: redeems may already have spent part of the
	// expiring credit. The shortfall is reported, not silently absorbed.
	amount := sum
	if amount > acc.Balance {
		amount = acc.Balance
		disc = &Discrepancy{AccountID: accountID, Expiring: sum, Expired: amount}
		s.logger.Warn("expiring sum exceeds balance, clamping",
			"account_id", accountID, "expiring", sum, "balance", acc.Balance)
	}

	if amount > 0 {
		meta, _ := json.Marshal(map[string]int{"entries": len(entries)})
		if _, err := s.ledger.AppendExpire(ctx, tx, ledger.AppendParams{
			AccountID: accountID,
			Amount:    amount,
			Source:    "expiration",
			Metadata:  meta,
		}); err != nil {
			return 0, 0, nil, fmt.Errorf("posting expire entry: %w", err)
		}
	}
	if err := s.transactions.MarkSwept(ctx, tx, ids, now); err != nil {
		return 0, 0, nil, fmt.Errorf("marking entries swept: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, nil, fmt.Errorf("commit sweep tx: %w", err)
	}
	return len(entries), amount, disc, nil
}

// MonthlyReset tops every account's streak freeze allowance back up to the
// configured cap. Running it twice in a row is a no-op the second time.
func (s *Service) MonthlyReset(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.streaks.ReplenishFreezes(ctx, s.freezeCap)
	if err != nil {
		return 0, fmt.Errorf("replenishing freezes: %w", err)
	}
	s.logger.Info("monthly reset finished", "accounts_replenished", n, "freeze_cap", s.freezeCap, "at", now)
	return n, nil
}
