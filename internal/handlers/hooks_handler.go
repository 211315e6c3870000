package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/orbitmiles/backend/internal/sweeper"
)

// Sweeper runs the scheduled maintenance passes.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*sweeper.SweepResult, error)
	MonthlyReset(ctx context.Context, now time.Time) (int64, error)
}

// HooksHandler serves the scheduler-invoked endpoints under /hooks. The
// router wraps these in the shared-secret middleware; River runs the same
// passes on its own schedule, so the hooks exist for externally driven and
// catch-up runs.
type HooksHandler struct {
	Sweeper Sweeper
	Logger  *slog.Logger
}

// ExpireMiles handles POST /hooks/expire.
func (h *HooksHandler) ExpireMiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := h.Sweeper.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		h.Logger.Error("expire hook failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "expiration sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MonthlyReset handles POST /hooks/monthly-reset.
func (h *HooksHandler) MonthlyReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.Sweeper.MonthlyReset(r.Context(), time.Now().UTC())
	if err != nil {
		h.Logger.Error("monthly reset hook failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "monthly reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"accounts_replenished": n})
}
