package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orbitmiles/backend/internal/models"
)

// SumStore provides the signed ledger sum for an account.
type SumStore interface {
	SumByAccount(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// AccountReader loads an account outside a transaction.
type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// IntegrityReport is the result of one recompute pass. Drift is reported,
// never auto-corrected: a mismatch means a ledger bug an operator has to
// look at, and silently repairing the projection would bury it.
type IntegrityReport struct {
	AccountID       uuid.UUID `json:"account_id"`
	StoredBalance   int64     `json:"stored_balance"`
	ComputedBalance int64     `json:"computed_balance"`
	Consistent      bool      `json:"consistent"`
}

// Projector validates the balance projection against the transaction log and
// computes tiers from the threshold table.
type Projector struct {
	accounts     AccountReader
	transactions SumStore
}

func NewProjector(accounts AccountReader, transactions SumStore) *Projector {
	return &Projector{accounts: accounts, transactions: transactions}
}

// Recompute sums the account's ledger entries and compares the result with
// the stored balance. Expired earns are offset by their paired expire
// entries, so the plain signed sum is the non-expired total.
func (p *Projector) Recompute(ctx context.Context, accountID uuid.UUID) (*IntegrityReport, error) {
	acc, err := p.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	sum, err := p.transactions.SumByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("summing ledger: %w", err)
	}
	return &IntegrityReport{
		AccountID:       accountID,
		StoredBalance:   acc.Balance,
		ComputedBalance: sum,
		Consistent:      acc.Balance == sum,
	}, nil
}

// ComputeTier returns the highest tier whose minimum lifetime balance the
// account meets, boundary inclusive. thresholds must be ascending by
// MinLifetime. Accounts below every threshold get the lowest tier.
func ComputeTier(thresholds []models.TierThreshold, lifetime int64) string {
	if len(thresholds) == 0 {
		return ""
	}
	for i := len(thresholds) - 1; i >= 0; i-- {
		if lifetime >= thresholds[i].MinLifetime {
			return thresholds[i].Name
		}
	}
	return thresholds[0].Name
}
