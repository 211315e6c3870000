package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orbitmiles/backend/internal/ledger"
	"github.com/orbitmiles/backend/internal/models"
)

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
}

func (m *memTransactions) CreateTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now()
	cp := *t
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memTransactions) GetByIdempotencyKey(_ context.Context, _ pgx.Tx, accountID uuid.UUID, key string) (*models.Transaction, error) {
	return nil, nil
}

func (m *memTransactions) AccountsWithExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, e := range m.entries {
		if e.Kind == models.TxEarn && e.SweptAt == nil && e.ExpiresAt != nil && !e.ExpiresAt.After(now) && !seen[e.AccountID] {
			seen[e.AccountID] = true
			out = append(out, e.AccountID)
		}
	}
	return out, nil
}

func (m *memTransactions) ListExpiredForSweep(_ context.Context, _ pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, e := range m.entries {
		if e.AccountID == accountID && e.Kind == models.TxEarn && e.SweptAt == nil && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTransactions) MarkSwept(_ context.Context, _ pgx.Tx, ids []uuid.UUID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, e := range m.entries {
		if want[e.ID] && e.SweptAt == nil {
			ts := now
			e.SweptAt = &ts
		}
	}
	return nil
}

func (m *memTransactions) byKind(kind string) []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// addEarn seeds an already-posted earn entry without going through the ledger.
func (m *memTransactions) addEarn(accountID uuid.UUID, amount int64, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &models.Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      models.TxEarn,
		Amount:    amount,
		Source:    "test_seed",
		ExpiresAt: &expiresAt,
		CreatedAt: expiresAt.AddDate(0, -12, 0),
	})
}

type memStreaks struct {
	mu          sync.Mutex
	freezes     map[uuid.UUID]int
	replenished int64
}

func (m *memStreaks) ReplenishFreezes(_ context.Context, cap int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, f := range m.freezes {
		if f < cap {
			m.freezes[id] = cap
			n++
		}
	}
	m.replenished = n
	return n, nil
}

type memTiers struct{}

func (memTiers) Thresholds(context.Context) ([]models.TierThreshold, error) {
	return []models.TierThreshold{{Name: "standard", MinLifetime: 0}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newSweeper(accounts *memAccounts, txs *memTransactions, streaks *memStreaks, freezeCap int) *Service {
	ledgerSvc := ledger.NewService(accounts, txs, memTiers{})
	return NewService(fakePool{}, txs, accounts, ledgerSvc, streaks, freezeCap, quietLogger())
}

// ---------------------------------------------------------------------------

func TestSweep_ExpiresOnlyDueEntries(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	acc := &models.Account{ID: uuid.New(), Balance: 500, LifetimeBalance: 500, Tier: "standard"}

	accounts := newMemAccounts(acc)
	txs := &memTransactions{}
	txs.addEarn(acc.ID, 300, now.Add(-24*time.Hour))
	txs.addEarn(acc.ID, 100, now.Add(-time.Minute))
	txs.addEarn(acc.ID, 100, now.Add(30*24*time.Hour))

	svc := newSweeper(accounts, txs, &memStreaks{}, 2)
	result, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if result.AccountsProcessed != 1 || result.EntriesSwept != 2 || result.MilesExpired != 400 {
		t.Errorf("result: got %+v, want 1 account, 2 entries, 400 miles", result)
	}
	if len(result.Discrepancies) != 0 {
		t.Errorf("unexpected discrepancies: %+v", result.Discrepancies)
	}
	if got := accounts.balance(acc.ID); got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	expires := txs.byKind(models.TxExpire)
	if len(expires) != 1 || expires[0].Amount != -400 {
		t.Errorf("expire entry: got %+v, want one entry of -400", expires)
	}
}

// TestSweep_Idempotent re-runs the sweep: swept entries must not be
// expired a second time.
func TestSweep_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	acc := &models.Account{ID: uuid.New(), Balance: 500, LifetimeBalance: 500, Tier: "standard"}

	accounts := newMemAccounts(acc)
	txs := &memTransactions{}
	txs.addEarn(acc.ID, 200, now.Add(-time.Hour))

	svc := newSweeper(accounts, txs, &memStreaks{}, 2)
	ctx := context.Background()

	if _, err := svc.Sweep(ctx, now); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	second, err := svc.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if second.AccountsProcessed != 0 || second.MilesExpired != 0 {
		t.Errorf("second sweep: got %+v, want nothing to do", second)
	}
	if got := accounts.balance(acc.ID); got != 300 {
		t.Errorf("balance: got %d, want 300", got)
	}
	if expires := txs.byKind(models.TxExpire); len(expires) != 1 {
		t.Errorf("expire entries: got %d, want 1", len(expires))
	}
}

// TestSweep_ClampsAtZero covers the case where redeems already spent part
// of the expiring credit: the balance stops at zero and the shortfall is
// reported as a discrepancy.
func TestSweep_ClampsAtZero(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	acc := &models.Account{ID: uuid.New(), Balance: 100, LifetimeBalance: 300, Tier: "standard"}

	accounts := newMemAccounts(acc)
	txs := &memTransactions{}
	txs.addEarn(acc.ID, 300, now.Add(-time.Hour))

	svc := newSweeper(accounts, txs, &memStreaks{}, 2)
	result, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := accounts.balance(acc.ID); got != 0 {
		t.Errorf("balance: got %d, want 0", got)
	}
	if len(result.Discrepancies) != 1 {
		t.Fatalf("discrepancies: got %+v, want exactly one", result.Discrepancies)
	}
	d := result.Discrepancies[0]
	if d.AccountID != acc.ID || d.Expiring != 300 || d.Expired != 100 {
		t.Errorf("discrepancy: got %+v, want expiring=300 expired=100", d)
	}
	// The entry is still stamped so it is not retried forever.
	if second, _ := svc.Sweep(context.Background(), now); second.AccountsProcessed != 0 {
		t.Errorf("clamped entry must not be re-swept: %+v", second)
	}
}

func TestSweep_FullyRedeemedBalance(t *testing.T) {
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	acc := &models.Account{ID: uuid.New(), Balance: 0, LifetimeBalance: 200, Tier: "standard"}

	accounts := newMemAccounts(acc)
	txs := &memTransactions{}
	txs.addEarn(acc.ID, 200, now.Add(-time.Hour))

	svc := newSweeper(accounts, txs, &memStreaks{}, 2)
	result, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if result.MilesExpired != 0 || result.EntriesSwept != 1 {
		t.Errorf("result: got %+v, want 0 miles expired, 1 entry swept", result)
	}
	if expires := txs.byKind(models.TxExpire); len(expires) != 0 {
		t.Errorf("no expire entry should be posted at zero balance, got %+v", expires)
	}
}

func TestMonthlyReset(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	streaks := &memStreaks{freezes: map[uuid.UUID]int{a: 0, b: 1, c: 2}}

	svc := newSweeper(newMemAccounts(), &memTransactions{}, streaks, 2)
	n, err := svc.MonthlyReset(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("MonthlyReset: %v", err)
	}
	if n != 2 {
		t.Errorf("replenished: got %d, want 2 (the account already at cap is untouched)", n)
	}
	if streaks.freezes[a] != 2 || streaks.freezes[b] != 2 || streaks.freezes[c] != 2 {
		t.Errorf("freezes after reset: %+v, want all at 2", streaks.freezes)
	}
}
