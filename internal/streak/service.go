package streak

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orbitmiles/backend/internal/models"
)

var ErrNoFreezeRemaining = errors.New("no freeze credits remaining")

// StreakStore is the streak state access the tracker needs.
type StreakStore interface {
	Get(ctx context.Context, accountID uuid.UUID) (*models.StreakState, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.StreakState, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, s *models.StreakState) error
	ConsumeFreeze(ctx context.Context, accountID uuid.UUID) (int, bool, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service maintains per-account daily activity streaks. Transitions are keyed
// by the gap in calendar days between the stored last-active date and the
// activity date, both truncated to dates in the engine timezone.
type Service struct {
	pool    TxBeginner
	streaks StreakStore
	loc     *time.Location
}

func NewService(pool TxBeginner, streaks StreakStore, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{pool: pool, streaks: streaks, loc: loc}
}

// RecordActivity credits one day of activity. advanced reports whether the
// streak moved; it is false when the account was already credited today.
// A one-day miss is absorbed by a freeze credit when one remains; any longer
// miss resets the streak to one.
func (s *Service) RecordActivity(ctx context.Context, accountID uuid.UUID, at time.Time) (state *models.StreakState, advanced bool, err error) {
	today := dateOnly(at.In(s.loc))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin streak tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.streaks.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, false, fmt.Errorf("locking streak state: %w", err)
	}

	gap := -1
	if st.LastActiveDate != nil {
		// The stored value is a calendar date; the driver hands it back as
		// midnight UTC. Rebuild it in the engine timezone from its
		// components rather than converting the instant, which would shift
		// the date for any offset west of UTC.
		y, m, d := st.LastActiveDate.Date()
		gap = daysBetween(time.Date(y, m, d, 0, 0, 0, 0, s.loc), today)
	}

	switch {
	case gap == 0:
		return st, false, nil
	case gap == 1:
		st.Current++
	case gap == 2 && st.FreezeRemaining > 0:
		st.FreezeRemaining--
		st.Current++
	default:
		// No prior record, a gap too wide for a freeze, or a clock moving
		// backwards all start over.
		st.Current = 1
	}
	if st.Current > st.Longest {
		st.Longest = st.Current
	}
	st.LastActiveDate = &today

	if err := s.streaks.UpdateTx(ctx, tx, st); err != nil {
		return nil, false, fmt.Errorf("updating streak state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit streak tx: %w", err)
	}
	return st, true, nil
}

// FreezeStreak manually spends a freeze credit outside the automatic path.
func (s *Service) FreezeStreak(ctx context.Context, accountID uuid.UUID) (remaining int, err error) {
	remaining, ok, err := s.streaks.ConsumeFreeze(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("consuming freeze: %w", err)
	}
	if !ok {
		return 0, ErrNoFreezeRemaining
	}
	return remaining, nil
}

// State returns the account's streak, zero-valued if none exists yet.
func (s *Service) State(ctx context.Context, accountID uuid.UUID) (*models.StreakState, error) {
	st, err := s.streaks.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &models.StreakState{AccountID: accountID}, nil
	}
	return st, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b, negative when b precedes a.
// Rounding keeps DST-shortened or -lengthened days counting as one.
func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}
