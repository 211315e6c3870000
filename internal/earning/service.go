package earning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orbitmiles/backend/internal/ledger"
	"github.com/orbitmiles/backend/internal/models"
)

var (
	// ErrUnknownOrInactiveAction is returned when no active rule exists for
	// the action code.
	ErrUnknownOrInactiveAction = errors.New("unknown or inactive action")
	// ErrDailyLimitReached is returned when the rule's daily cap is used up.
	ErrDailyLimitReached = errors.New("daily limit reached")
	// ErrCooldownActive is returned while the action's cooldown marker is
	// live for this account.
	ErrCooldownActive = errors.New("cooldown active")
	// ErrConditionNotMet is returned when the rule's eligibility condition
	// rejects the trigger.
	ErrConditionNotMet = errors.New("rule condition not met")
)

// earnExpiry is how long earned miles stay spendable.
const earnExpiry = 12 // months

// cooldownTimeout bounds calls into the cooldown store so a slow or wedged
// cache cannot hang the earn path.
const cooldownTimeout = 2 * time.Second

// RuleStore looks up earning rules.
type RuleStore interface {
	GetActive(ctx context.Context, actionCode string) (*models.Rule, error)
}

// CapCounter counts an account's prior triggers of an action today. Called
// with the account row already locked.
type CapCounter interface {
	CountEarnedSince(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, source string, dayStart time.Time) (int, error)
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.Transaction, error)
}

// AccountLocker serializes earns per account and reads account snapshots for
// idempotent replays.
type AccountLocker interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Appender is the ledger write the engine performs.
type Appender interface {
	AppendEarn(ctx context.Context, tx pgx.Tx, p ledger.AppendParams) (*ledger.AppendResult, error)
	AppendAdjust(ctx context.Context, tx pgx.Tx, p ledger.AppendParams) (*ledger.AppendResult, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EarnResult is the outcome of a successful (or replayed) earn.
type EarnResult struct {
	Transaction *models.Transaction    `json:"transaction"`
	NewBalance  models.BalanceSnapshot `json:"new_balance"`
	TierChanged bool                   `json:"tier_changed"`
	NewTier     string                 `json:"new_tier"`
	Replayed    bool                   `json:"replayed"`
}

// Service is the earning rule engine: it maps action codes to rewards and
// enforces eligibility, daily caps, and cooldowns.
type Service struct {
	pool      TxBeginner
	rules     RuleStore
	accounts  AccountLocker
	counter   CapCounter
	ledger    Appender
	cooldowns CooldownStore
	loc       *time.Location
	now       func() time.Time
}

func NewService(pool TxBeginner, rules RuleStore, accounts AccountLocker, counter CapCounter, ledgerSvc Appender, cooldowns CooldownStore, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		pool:      pool,
		rules:     rules,
		accounts:  accounts,
		counter:   counter,
		ledger:    ledgerSvc,
		cooldowns: cooldowns,
		loc:       loc,
		now:       time.Now,
	}
}

// Earn applies the rule for actionCode to the account: eligibility, daily
// cap, and cooldown first, then one atomic ledger append with a 12-month
// expiry.
// The cap count runs under the same account row lock as the write, so two
// near-simultaneous triggers cannot both pass a nearly-exhausted cap.
func (s *Service) Earn(ctx context.Context, accountID uuid.UUID, actionCode string, metadata json.RawMessage, idempotencyKey *string) (*EarnResult, error) {
	rule, err := s.rules.GetActive(ctx, actionCode)
	if err != nil {
		return nil, fmt.Errorf("loading rule %q: %w", actionCode, err)
	}
	if rule == nil {
		return nil, ErrUnknownOrInactiveAction
	}

	now := s.now().In(s.loc)
	if !rule.Condition.Evaluate(now, metadata) {
		return nil, ErrConditionNotMet
	}

	// Idempotent replays must short-circuit before cooldown and cap checks,
	// otherwise a retried request would trip its own first attempt's marker.
	if idempotencyKey != nil {
		prior, err := s.counter.GetByIdempotencyKey(ctx, nil, accountID, *idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if prior != nil {
			return s.replay(ctx, accountID, prior)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin earn tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock serializes concurrent earns for this account; the cap
	// count below therefore sees every prior committed trigger.
	if _, err := s.accounts.GetForUpdate(ctx, tx, accountID); err != nil {
		return nil, fmt.Errorf("locking account: %w", err)
	}

	if rule.DailyCap != nil {
		n, err := s.counter.CountEarnedSince(ctx, tx, accountID, actionCode, dayStart(now))
		if err != nil {
			return nil, fmt.Errorf("counting daily triggers: %w", err)
		}
		if n >= *rule.DailyCap {
			return nil, ErrDailyLimitReached
		}
	}

	// The cooldown marker is set only after the cap check passes, so a
	// cap-exhausted attempt never burns a marker and keeps reporting the
	// daily limit rather than a cooldown.
	if rule.CooldownSeconds > 0 {
		cctx, cancel := context.WithTimeout(ctx, cooldownTimeout)
		ok, err := s.cooldowns.SetIfAbsent(cctx, cooldownKey(accountID, actionCode), time.Duration(rule.CooldownSeconds)*time.Second)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("cooldown check: %w", err)
		}
		if !ok {
			return nil, ErrCooldownActive
		}
	}

	expiry := now.AddDate(0, earnExpiry, 0)
	res, err := s.ledger.AppendEarn(ctx, tx, ledger.AppendParams{
		AccountID:      accountID,
		Amount:         rule.BaseReward,
		Source:         actionCode,
		ExpiresAt:      &expiry,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit earn tx: %w", err)
	}

	return &EarnResult{
		Transaction: res.Transaction,
		NewBalance:  res.Snapshot,
		TierChanged: res.TierChanged,
		NewTier:     res.Snapshot.Tier,
		Replayed:    res.Replayed,
	}, nil
}

// Bonus posts an out-of-rule adjustment, e.g. a streak milestone bonus.
func (s *Service) Bonus(ctx context.Context, accountID uuid.UUID, amount int64, source string, metadata json.RawMessage) (*EarnResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bonus tx: %w", err)
	}
	defer tx.Rollback(ctx)
	res, err := s.ledger.AppendAdjust(ctx, tx, ledger.AppendParams{
		AccountID: accountID,
		Amount:    amount,
		Source:    source,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bonus tx: %w", err)
	}
	return &EarnResult{
		Transaction: res.Transaction,
		NewBalance:  res.Snapshot,
		TierChanged: res.TierChanged,
		NewTier:     res.Snapshot.Tier,
	}, nil
}

func (s *Service) replay(ctx context.Context, accountID uuid.UUID, prior *models.Transaction) (*EarnResult, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account for replay: %w", err)
	}
	return &EarnResult{
		Transaction: prior,
		NewBalance:  models.BalanceSnapshot{Balance: acc.Balance, LifetimeBalance: acc.LifetimeBalance, Tier: acc.Tier},
		NewTier:     acc.Tier,
		Replayed:    true,
	}, nil
}

func cooldownKey(accountID uuid.UUID, actionCode string) string {
	return accountID.String() + ":" + actionCode
}

// dayStart returns midnight of now's calendar day in the engine timezone.
func dayStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
