package earning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orbitmiles/backend/internal/ledger"
	"github.com/orbitmiles/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory fixtures. The earning service is wired against the real ledger
// service so cap checks and appends hit the same state, as they do against
// the database.
// ---------------------------------------------------------------------------

// fakeTx satisfies pgx.Tx for service code that only commits or rolls back;
// the embedded nil interface panics if anything else is called.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type fakePool struct{}

func (fakePool) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

type memAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
}

func newMemAccounts(accs ...*models.Account) *memAccounts {
	m := &memAccounts{accounts: make(map[uuid.UUID]*models.Account)}
	for _, a := range accs {
		cp := *a
		m.accounts[a.ID] = &cp
	}
	return m
}

func (m *memAccounts) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return m.GetByID(context.Background(), id)
}

func (m *memAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) Credit(_ context.Context, _ pgx.Tx, id uuid.UUID, amount, lifetimeDelta int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	a.Balance += amount
	a.LifetimeBalance += lifetimeDelta
	return a.Balance, a.LifetimeBalance, nil
}

func (m *memAccounts) Debit(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a.Balance < amount {
		return 0, false, nil
	}
	a.Balance -= amount
	return a.Balance, true, nil
}

func (m *memAccounts) SetTier(_ context.Context, _ pgx.Tx, id uuid.UUID, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id].Tier = tier
	return nil
}

func (m *memAccounts) balance(id uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Balance
}

type memTransactions struct {
	mu      sync.Mutex
	entries []*models.Transaction
	now     func() time.Time
}

func (m *memTransactions) CreateTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now != nil {
		t.CreatedAt = m.now()
	} else {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memTransactions) GetByIdempotencyKey(_ context.Context, _ pgx.Tx, accountID uuid.UUID, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.AccountID == accountID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memTransactions) CountEarnedSince(_ context.Context, _ pgx.Tx, accountID uuid.UUID, source string, dayStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Kind == models.TxEarn && e.Source == source && !e.CreatedAt.Before(dayStart) {
			n++
		}
	}
	return n, nil
}

func (m *memTransactions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type memRules struct {
	rules map[string]*models.Rule
}

func (m *memRules) GetActive(_ context.Context, actionCode string) (*models.Rule, error) {
	r, ok := m.rules[actionCode]
	if !ok || !r.Active {
		return nil, nil
	}
	return r, nil
}

type memTiers struct{}

func (memTiers) Thresholds(context.Context) ([]models.TierThreshold, error) {
	return []models.TierThreshold{
		{Name: "standard", MinLifetime: 0},
		{Name: "silver", MinLifetime: 1000},
	}, nil
}

func intPtr(n int) *int { return &n }

type fixture struct {
	svc      *Service
	accounts *memAccounts
	txs      *memTransactions
	clock    *time.Time
	acc      *models.Account
}

func newFixture(t *testing.T, rules ...*models.Rule) *fixture {
	t.Helper()
	acc := &models.Account{ID: uuid.New(), Tier: "standard"}
	accounts := newMemAccounts(acc)
	txs := &memTransactions{}
	ruleMap := make(map[string]*models.Rule)
	for _, r := range rules {
		ruleMap[r.ActionCode] = r
	}
	ledgerSvc := ledger.NewService(accounts, txs, memTiers{})

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday
	clock := &start
	txs.now = func() time.Time { return *clock }
	cooldowns := NewMemoryCooldowns()
	cooldowns.now = func() time.Time { return *clock }

	svc := NewService(fakePool{}, &memRules{rules: ruleMap}, accounts, txs, ledgerSvc, cooldowns, time.UTC)
	svc.now = func() time.Time { return *clock }
	return &fixture{svc: svc, accounts: accounts, txs: txs, clock: clock, acc: acc}
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

// ---------------------------------------------------------------------------

func TestEarn_UnknownOrInactiveAction(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "disabled", BaseReward: 10, Active: false})

	ctx := context.Background()
	if _, err := f.svc.Earn(ctx, f.acc.ID, "missing", nil, nil); !errors.Is(err, ErrUnknownOrInactiveAction) {
		t.Errorf("missing rule: got %v, want ErrUnknownOrInactiveAction", err)
	}
	if _, err := f.svc.Earn(ctx, f.acc.ID, "disabled", nil, nil); !errors.Is(err, ErrUnknownOrInactiveAction) {
		t.Errorf("inactive rule: got %v, want ErrUnknownOrInactiveAction", err)
	}
}

func TestEarn_PostsWithTwelveMonthExpiry(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "purchase", BaseReward: 150, Active: true})

	res, err := f.svc.Earn(context.Background(), f.acc.ID, "purchase", nil, nil)
	if err != nil {
		t.Fatalf("Earn: %v", err)
	}
	if res.NewBalance.Balance != 150 {
		t.Errorf("balance: got %d, want 150", res.NewBalance.Balance)
	}
	if res.Transaction.ExpiresAt == nil {
		t.Fatal("earn entry must carry an expiry")
	}
	want := f.clock.AddDate(0, 12, 0)
	if !res.Transaction.ExpiresAt.Equal(want) {
		t.Errorf("expiry: got %v, want %v", res.Transaction.ExpiresAt, want)
	}
}

func TestEarn_DailyCap(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "review", BaseReward: 20, DailyCap: intPtr(3), Active: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Earn(ctx, f.acc.ID, "review", nil, nil); err != nil {
			t.Fatalf("earn %d: %v", i+1, err)
		}
		f.advance(time.Minute)
	}
	if _, err := f.svc.Earn(ctx, f.acc.ID, "review", nil, nil); !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("attempt 4: got %v, want ErrDailyLimitReached", err)
	}
	if got := f.accounts.balance(f.acc.ID); got != 60 {
		t.Errorf("balance after capped earns: got %d, want 60", got)
	}
}

func TestEarn_Cooldown(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "checkin", BaseReward: 5, CooldownSeconds: 3600, Active: true})
	ctx := context.Background()

	if _, err := f.svc.Earn(ctx, f.acc.ID, "checkin", nil, nil); err != nil {
		t.Fatalf("first earn: %v", err)
	}
	if _, err := f.svc.Earn(ctx, f.acc.ID, "checkin", nil, nil); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("second earn inside window: got %v, want ErrCooldownActive", err)
	}

	f.advance(time.Hour + time.Second)
	if _, err := f.svc.Earn(ctx, f.acc.ID, "checkin", nil, nil); err != nil {
		t.Fatalf("earn after window: %v", err)
	}
}

// TestEarn_CapFailureDoesNotBurnCooldown pins the check order: with the cap
// exhausted, repeated attempts keep reporting the daily limit instead of
// setting a fresh cooldown marker and flipping to a cooldown failure.
func TestEarn_CapFailureDoesNotBurnCooldown(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "checkin", BaseReward: 5, DailyCap: intPtr(1), CooldownSeconds: 600, Active: true})
	ctx := context.Background()

	if _, err := f.svc.Earn(ctx, f.acc.ID, "checkin", nil, nil); err != nil {
		t.Fatalf("first earn: %v", err)
	}

	f.advance(11 * time.Minute)
	if _, err := f.svc.Earn(ctx, f.acc.ID, "checkin", nil, nil); !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("capped attempt after cooldown lapsed: got %v, want ErrDailyLimitReached", err)
	}

	f.advance(time.Minute)
	if _, err := f.svc.Earn(ctx, f.acc.ID, "checkin", nil, nil); !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("third attempt: got %v, want ErrDailyLimitReached", err)
	}
}

func TestEarn_IdempotencyReplay(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "purchase", BaseReward: 100, CooldownSeconds: 600, Active: true})
	ctx := context.Background()
	key := "order-7781"

	first, err := f.svc.Earn(ctx, f.acc.ID, "purchase", nil, &key)
	if err != nil {
		t.Fatalf("first earn: %v", err)
	}
	// Same key inside the cooldown window: must replay, not trip the marker.
	second, err := f.svc.Earn(ctx, f.acc.ID, "purchase", nil, &key)
	if err != nil {
		t.Fatalf("replayed earn: %v", err)
	}
	if !second.Replayed {
		t.Error("replay flag not set")
	}
	if first.Transaction.ID != second.Transaction.ID {
		t.Errorf("replay must return the original entry: %s vs %s", first.Transaction.ID, second.Transaction.ID)
	}
	if got := f.accounts.balance(f.acc.ID); got != 100 {
		t.Errorf("balance credited more than once: got %d, want 100", got)
	}
	if f.txs.count() != 1 {
		t.Errorf("entry count: got %d, want 1", f.txs.count())
	}
}

func TestEarn_Condition(t *testing.T) {
	f := newFixture(t,
		&models.Rule{
			ActionCode: "weekend_bonus",
			BaseReward: 50,
			Active:     true,
			Condition:  models.RuleCondition{Kind: models.ConditionWeekdays, Weekdays: []int{0, 6}},
		},
		&models.Rule{
			ActionCode: "big_spend",
			BaseReward: 500,
			Active:     true,
			Condition:  models.RuleCondition{Kind: models.ConditionMinAmount, MetadataKey: "amount", MinAmount: 100},
		},
	)
	ctx := context.Background()

	// Fixture clock is a Monday.
	if _, err := f.svc.Earn(ctx, f.acc.ID, "weekend_bonus", nil, nil); !errors.Is(err, ErrConditionNotMet) {
		t.Errorf("weekday trigger of weekend rule: got %v, want ErrConditionNotMet", err)
	}
	f.advance(5 * 24 * time.Hour) // Saturday
	if _, err := f.svc.Earn(ctx, f.acc.ID, "weekend_bonus", nil, nil); err != nil {
		t.Errorf("weekend trigger: %v", err)
	}

	if _, err := f.svc.Earn(ctx, f.acc.ID, "big_spend", []byte(`{"amount": 40}`), nil); !errors.Is(err, ErrConditionNotMet) {
		t.Errorf("below min amount: got %v, want ErrConditionNotMet", err)
	}
	if _, err := f.svc.Earn(ctx, f.acc.ID, "big_spend", []byte(`{"amount": 250}`), nil); err != nil {
		t.Errorf("above min amount: %v", err)
	}
}

func TestEarn_CapResetsAtDayBoundary(t *testing.T) {
	f := newFixture(t, &models.Rule{ActionCode: "review", BaseReward: 20, DailyCap: intPtr(1), Active: true})
	ctx := context.Background()

	if _, err := f.svc.Earn(ctx, f.acc.ID, "review", nil, nil); err != nil {
		t.Fatalf("first earn: %v", err)
	}
	if _, err := f.svc.Earn(ctx, f.acc.ID, "review", nil, nil); !errors.Is(err, ErrDailyLimitReached) {
		t.Fatalf("second earn same day: got %v, want ErrDailyLimitReached", err)
	}

	f.advance(24 * time.Hour)
	if _, err := f.svc.Earn(ctx, f.acc.ID, "review", nil, nil); err != nil {
		t.Fatalf("earn next day: %v", err)
	}
}
