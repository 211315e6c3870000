package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmiles/backend/internal/earning"
	"github.com/orbitmiles/backend/internal/middleware"
	"github.com/orbitmiles/backend/internal/models"
	"github.com/orbitmiles/backend/internal/redemption"
	"github.com/orbitmiles/backend/internal/streak"
)

// checkinActionCode is the rule the daily check-in triggers.
const checkinActionCode = "daily_checkin"

// weeklyStreakBonus is granted every seventh consecutive day.
const weeklyStreakBonus = 50

// Earner triggers earning rules.
type Earner interface {
	Earn(ctx context.Context, accountID uuid.UUID, actionCode string, metadata json.RawMessage, idempotencyKey *string) (*earning.EarnResult, error)
	Bonus(ctx context.Context, accountID uuid.UUID, amount int64, source string, metadata json.RawMessage) (*earning.EarnResult, error)
}

// Redeemer exchanges miles for catalog items.
type Redeemer interface {
	Redeem(ctx context.Context, accountID, itemID uuid.UUID, shippingRef string) (*models.RedemptionRequest, error)
}

// StreakTracker records daily activity and manual freezes.
type StreakTracker interface {
	RecordActivity(ctx context.Context, accountID uuid.UUID, at time.Time) (*models.StreakState, bool, error)
	FreezeStreak(ctx context.Context, accountID uuid.UUID) (int, error)
	State(ctx context.Context, accountID uuid.UUID) (*models.StreakState, error)
}

// TransactionLister pages the account's ledger history.
type TransactionLister interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, kind string, limit, offset int) ([]*models.Transaction, error)
	ListExpiringSoon(ctx context.Context, accountID uuid.UUID, from, until time.Time) ([]*models.Transaction, error)
}

// RedemptionLister pages the account's redemption requests.
type RedemptionLister interface {
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.RedemptionRequest, error)
}

// AccountReader reloads the account for a fresh balance view.
type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// CatalogLister lists active reward items for browsing.
type CatalogLister interface {
	List(ctx context.Context, activeOnly bool) ([]*models.CatalogItem, error)
}

// MemberHandler serves the member surface under /v1.
type MemberHandler struct {
	Accounts     AccountReader
	Earning      Earner
	Redeeming    Redeemer
	Streaks      StreakTracker
	Transactions TransactionLister
	Redemptions  RedemptionLister
	Catalog      CatalogLister
	Logger       *slog.Logger
}

// --- GET /v1/balance ---

type balanceResponse struct {
	Balance         int64  `json:"balance"`
	LifetimeBalance int64  `json:"lifetime_balance"`
	Tier            string `json:"tier"`
}

func (h *MemberHandler) Balance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	// The context copy was loaded at auth time; reload for a current view.
	fresh, err := h.Accounts.GetByID(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("load balance failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "balance lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Balance:         fresh.Balance,
		LifetimeBalance: fresh.LifetimeBalance,
		Tier:            fresh.Tier,
	})
}

// --- POST /v1/earn ---

type earnRequest struct {
	ActionCode string          `json:"action_code"`
	Metadata   json.RawMessage `json:"metadata"`
}

func (h *MemberHandler) Earn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req earnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON")
		return
	}
	if req.ActionCode == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ACTION_CODE", "action_code is required")
		return
	}
	var idemKey *string
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		idemKey = &k
	}

	result, err := h.Earning.Earn(r.Context(), acc.ID, req.ActionCode, req.Metadata, idemKey)
	if err != nil {
		h.writeEarnError(w, acc.ID, req.ActionCode, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *MemberHandler) writeEarnError(w http.ResponseWriter, accountID uuid.UUID, actionCode string, err error) {
	switch {
	case errors.Is(err, earning.ErrUnknownOrInactiveAction):
		writeError(w, http.StatusNotFound, "UNKNOWN_OR_INACTIVE_ACTION", "unknown or inactive action")
	case errors.Is(err, earning.ErrDailyLimitReached):
		writeError(w, http.StatusTooManyRequests, "DAILY_LIMIT_REACHED", "daily limit reached for this action")
	case errors.Is(err, earning.ErrCooldownActive):
		writeError(w, http.StatusTooManyRequests, "COOLDOWN_ACTIVE", "action is cooling down")
	case errors.Is(err, earning.ErrConditionNotMet):
		writeError(w, http.StatusUnprocessableEntity, "CONDITION_NOT_MET", "rule condition not met")
	default:
		h.Logger.Error("earn failed", "account_id", accountID, "action_code", actionCode, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "earn failed")
	}
}

// --- POST /v1/redeem ---

type redeemRequest struct {
	ItemID      string `json:"item_id"`
	ShippingRef string `json:"shipping_ref"`
}

func (h *MemberHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid JSON")
		return
	}
	itemID, err := uuid.Parse(req.ItemID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ITEM_ID", "invalid item_id")
		return
	}

	request, err := h.Redeeming.Redeem(r.Context(), acc.ID, itemID, req.ShippingRef)
	if err != nil {
		switch {
		case errors.Is(err, redemption.ErrItemNotFound):
			writeError(w, http.StatusNotFound, "ITEM_NOT_FOUND", "catalog item not found")
		case errors.Is(err, redemption.ErrItemInactive):
			writeError(w, http.StatusConflict, "ITEM_INACTIVE", "catalog item is inactive")
		case errors.Is(err, redemption.ErrOutOfStock):
			writeError(w, http.StatusConflict, "OUT_OF_STOCK", "item is out of stock")
		case errors.Is(err, redemption.ErrInsufficientMiles):
			writeError(w, http.StatusPaymentRequired, "INSUFFICIENT_MILES", "not enough miles")
		case errors.Is(err, redemption.ErrShippingAddressRequired):
			writeError(w, http.StatusBadRequest, "SHIPPING_ADDRESS_REQUIRED", "shipping_ref is required for physical items")
		default:
			h.Logger.Error("redeem failed", "account_id", acc.ID, "item_id", itemID, "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "redeem failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

// --- GET /v1/catalog ---

func (h *MemberHandler) CatalogItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	items, err := h.Catalog.List(r.Context(), true)
	if err != nil {
		h.Logger.Error("list catalog failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "catalog lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// --- POST /v1/checkin ---

type checkinResponse struct {
	Streak  *models.StreakState `json:"streak"`
	Earned  *earning.EarnResult `json:"earned,omitempty"`
	Bonus   *earning.EarnResult `json:"bonus,omitempty"`
	Counted bool                `json:"counted"`
}

// Checkin records today's activity and, when the day counted, triggers the
// daily_checkin rule. Every seventh consecutive day adds a streak bonus.
func (h *MemberHandler) Checkin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	state, counted, err := h.Streaks.RecordActivity(r.Context(), acc.ID, time.Now())
	if err != nil {
		h.Logger.Error("record activity failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "check-in failed")
		return
	}
	resp := checkinResponse{Streak: state, Counted: counted}

	if counted {
		meta, _ := json.Marshal(map[string]int{"streak": state.Current})
		earned, err := h.Earning.Earn(r.Context(), acc.ID, checkinActionCode, meta, nil)
		switch {
		case err == nil:
			resp.Earned = earned
		case errors.Is(err, earning.ErrUnknownOrInactiveAction),
			errors.Is(err, earning.ErrDailyLimitReached),
			errors.Is(err, earning.ErrCooldownActive),
			errors.Is(err, earning.ErrConditionNotMet):
			// The check-in itself still counts when no reward applies.
		default:
			h.Logger.Error("check-in earn failed", "account_id", acc.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "check-in failed")
			return
		}

		if state.Current > 0 && state.Current%7 == 0 {
			bonus, err := h.Earning.Bonus(r.Context(), acc.ID, weeklyStreakBonus, "streak_bonus", meta)
			if err != nil {
				h.Logger.Error("streak bonus failed", "account_id", acc.ID, "streak", state.Current, "error", err)
			} else {
				resp.Bonus = bonus
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /v1/streak, POST /v1/streak/freeze ---

func (h *MemberHandler) Streak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	state, err := h.Streaks.State(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("load streak failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streak lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *MemberHandler) FreezeStreak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	remaining, err := h.Streaks.FreezeStreak(r.Context(), acc.ID)
	if err != nil {
		if errors.Is(err, streak.ErrNoFreezeRemaining) {
			writeError(w, http.StatusConflict, "NO_FREEZE_REMAINING", "no freeze credits remaining")
			return
		}
		h.Logger.Error("freeze failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "freeze failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"freeze_remaining": remaining})
}

// --- GET /v1/history ---

func (h *MemberHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	kind := r.URL.Query().Get("type")
	switch kind {
	case "", models.TxEarn, models.TxRedeem, models.TxExpire, models.TxRefund, models.TxAdjust:
	default:
		writeError(w, http.StatusBadRequest, "INVALID_TYPE", "unknown transaction type")
		return
	}
	page, limit := pageParams(r)
	list, err := h.Transactions.ListByAccount(r.Context(), acc.ID, kind, limit, (page-1)*limit)
	if err != nil {
		h.Logger.Error("list history failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "history lookup failed")
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": list,
		"page":         page,
		"limit":        limit,
	})
}

// --- GET /v1/expiring ---

func (h *MemberHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	withinDays := 30
	if v := r.URL.Query().Get("within_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			writeError(w, http.StatusBadRequest, "INVALID_WITHIN_DAYS", "within_days must be 1..365")
			return
		}
		withinDays = n
	}
	now := time.Now().UTC()
	list, err := h.Transactions.ListExpiringSoon(r.Context(), acc.ID, now, now.AddDate(0, 0, withinDays))
	if err != nil {
		h.Logger.Error("list expiring failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "expiring lookup failed")
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": list,
		"within_days":  withinDays,
	})
}

// --- GET /v1/redemptions ---

func (h *MemberHandler) MyRedemptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	page, limit := pageParams(r)
	list, err := h.Redemptions.ListByAccount(r.Context(), acc.ID, limit, (page-1)*limit)
	if err != nil {
		h.Logger.Error("list redemptions failed", "account_id", acc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "redemptions lookup failed")
		return
	}
	if list == nil {
		list = []*models.RedemptionRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pageParams(r *http.Request) (page, limit int) {
	page, limit = 1, 20
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 100 {
		limit = n
	}
	return page, limit
}
