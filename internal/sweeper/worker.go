package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// ExpireMilesArgs is the job payload for the periodic expiration sweep.
type ExpireMilesArgs struct{}

func (ExpireMilesArgs) Kind() string { return "expire_miles" }

// ExpireMilesWorker runs the expiration sweep as a background job.
type ExpireMilesWorker struct {
	river.WorkerDefaults[ExpireMilesArgs]
	svc    *Service
	logger *slog.Logger
}

func NewExpireMilesWorker(svc *Service, logger *slog.Logger) *ExpireMilesWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireMilesWorker{svc: svc, logger: logger}
}

func (w *ExpireMilesWorker) Work(ctx context.Context, job *river.Job[ExpireMilesArgs]) error {
	w.logger.Info("expire_miles job started", "job_id", job.ID, "attempt", job.Attempt)
	result, err := w.svc.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	w.logger.Info("expire_miles job finished",
		"job_id", job.ID,
		"accounts", result.AccountsProcessed,
		"miles_expired", result.MilesExpired)
	return nil
}

// MonthlyResetArgs is the job payload for the monthly freeze replenish.
type MonthlyResetArgs struct{}

func (MonthlyResetArgs) Kind() string { return "monthly_reset" }

// MonthlyResetWorker replenishes streak freezes on the first of the month.
type MonthlyResetWorker struct {
	river.WorkerDefaults[MonthlyResetArgs]
	svc    *Service
	logger *slog.Logger
}

func NewMonthlyResetWorker(svc *Service, logger *slog.Logger) *MonthlyResetWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonthlyResetWorker{svc: svc, logger: logger}
}

func (w *MonthlyResetWorker) Work(ctx context.Context, job *river.Job[MonthlyResetArgs]) error {
	w.logger.Info("monthly_reset job started", "job_id", job.ID, "attempt", job.Attempt)
	n, err := w.svc.MonthlyReset(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	w.logger.Info("monthly_reset job finished", "job_id", job.ID, "accounts_replenished", n)
	return nil
}
