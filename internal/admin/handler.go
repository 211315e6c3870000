package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/orbitmiles/backend/internal/ledger"
	"github.com/orbitmiles/backend/internal/middleware"
	"github.com/orbitmiles/backend/internal/models"
	"github.com/orbitmiles/backend/internal/redemption"
)

// RuleStore is the rule persistence the admin surface needs.
type RuleStore interface {
	Upsert(ctx context.Context, rule *models.Rule) error
	Get(ctx context.Context, actionCode string) (*models.Rule, error)
	List(ctx context.Context) ([]*models.Rule, error)
	Delete(ctx context.Context, actionCode string) error
}

// CatalogStore is the catalog persistence the admin surface needs.
type CatalogStore interface {
	Create(ctx context.Context, item *models.CatalogItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.CatalogItem, error)
	Update(ctx context.Context, item *models.CatalogItem) error
	List(ctx context.Context, activeOnly bool) ([]*models.CatalogItem, error)
}

// TierStore reads and replaces the tier threshold table.
type TierStore interface {
	Thresholds(ctx context.Context) ([]models.TierThreshold, error)
	Replace(ctx context.Context, thresholds []models.TierThreshold) error
}

// AccountStore provisions member accounts.
type AccountStore interface {
	Create(ctx context.Context, a *models.Account) error
}

// KeyStore mints API keys for provisioned accounts.
type KeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
}

// RedemptionStore lists redemption requests for review.
type RedemptionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.RedemptionRequest, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*models.RedemptionRequest, error)
}

// Lifecycle drives redemption request transitions through the same atomic
// path member traffic uses.
type Lifecycle interface {
	Approve(ctx context.Context, id uuid.UUID) (*models.RedemptionRequest, error)
	Reject(ctx context.Context, id uuid.UUID) (*models.RedemptionRequest, error)
	Ship(ctx context.Context, id uuid.UUID, trackingRef string) (*models.RedemptionRequest, error)
	Complete(ctx context.Context, id uuid.UUID) (*models.RedemptionRequest, error)
}

// IntegrityChecker recomputes one account's balance from the ledger.
type IntegrityChecker interface {
	Recompute(ctx context.Context, accountID uuid.UUID) (*ledger.IntegrityReport, error)
}

type Handler struct {
	rules       RuleStore
	catalog     CatalogStore
	tiers       TierStore
	accounts    AccountStore
	keys        KeyStore
	redemptions RedemptionStore
	lifecycle   Lifecycle
	integrity   IntegrityChecker
	sink        AuditSink
	log         *slog.Logger
}

func NewHandler(rules RuleStore, catalog CatalogStore, tiers TierStore, accounts AccountStore, keys KeyStore, redemptions RedemptionStore, lifecycle Lifecycle, integrity IntegrityChecker, sink AuditSink, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = NewLogAuditSink(log)
	}
	return &Handler{
		rules:       rules,
		catalog:     catalog,
		tiers:       tiers,
		accounts:    accounts,
		keys:        keys,
		redemptions: redemptions,
		lifecycle:   lifecycle,
		integrity:   integrity,
		sink:        sink,
		log:         log,
	}
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

type upsertRuleRequest struct {
	ActionCode      string               `json:"action_code"`
	Description     string               `json:"description"`
	BaseReward      int64                `json:"base_reward"`
	DailyCap        *int                 `json:"daily_cap"`
	CooldownSeconds int                  `json:"cooldown_seconds"`
	Condition       models.RuleCondition `json:"condition"`
	Active          bool                 `json:"active"`
}

// Rules serves GET (list) and PUT (upsert) on /admin/rules.
func (h *Handler) Rules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.rules.List(r.Context())
		if err != nil {
			h.log.Error("list rules failed", "error", err)
			http.Error(w, "list rules failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPut, http.MethodPost:
		var req upsertRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if msg := validateRule(&req); msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		before, err := h.rules.Get(r.Context(), req.ActionCode)
		if err != nil {
			h.log.Error("load rule failed", "action_code", req.ActionCode, "error", err)
			http.Error(w, "upsert rule failed", http.StatusInternalServerError)
			return
		}
		rule := &models.Rule{
			ActionCode:      req.ActionCode,
			Description:     req.Description,
			BaseReward:      req.BaseReward,
			DailyCap:        req.DailyCap,
			CooldownSeconds: req.CooldownSeconds,
			Condition:       req.Condition,
			Active:          req.Active,
		}
		if err := h.rules.Upsert(r.Context(), rule); err != nil {
			h.log.Error("upsert rule failed", "action_code", req.ActionCode, "error", err)
			http.Error(w, "upsert rule failed", http.StatusInternalServerError)
			return
		}
		var beforeSnap any
		if before != nil {
			beforeSnap = before
		}
		h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "rule.upsert", "rule", rule.ActionCode, beforeSnap, rule)
		writeJSON(w, http.StatusOK, rule)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// RuleByCode serves DELETE on /admin/rules/{code}.
func (h *Handler) RuleByCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := strings.TrimPrefix(r.URL.Path, "/admin/rules/")
	if code == "" || strings.Contains(code, "/") {
		http.Error(w, "missing action code", http.StatusBadRequest)
		return
	}
	before, err := h.rules.Get(r.Context(), code)
	if err != nil {
		h.log.Error("load rule failed", "action_code", code, "error", err)
		http.Error(w, "delete rule failed", http.StatusInternalServerError)
		return
	}
	if before == nil {
		http.Error(w, "rule not found", http.StatusNotFound)
		return
	}
	if err := h.rules.Delete(r.Context(), code); err != nil {
		h.log.Error("delete rule failed", "action_code", code, "error", err)
		http.Error(w, "delete rule failed", http.StatusInternalServerError)
		return
	}
	h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "rule.delete", "rule", code, before, nil)
	w.WriteHeader(http.StatusNoContent)
}

func validateRule(req *upsertRuleRequest) string {
	if req.ActionCode == "" {
		return "action_code is required"
	}
	if req.BaseReward <= 0 {
		return "base_reward must be > 0"
	}
	if req.DailyCap != nil && *req.DailyCap < 1 {
		return "daily_cap must be >= 1"
	}
	if req.CooldownSeconds < 0 {
		return "cooldown_seconds must be >= 0"
	}
	switch req.Condition.Kind {
	case "", models.ConditionAlways:
	case models.ConditionWeekdays:
		if len(req.Condition.Weekdays) == 0 {
			return "weekdays condition needs at least one day"
		}
		for _, d := range req.Condition.Weekdays {
			if d < 0 || d > 6 {
				return "weekdays must be 0..6"
			}
		}
	case models.ConditionMinAmount:
		if req.Condition.MetadataKey == "" {
			return "min_amount condition needs metadata_key"
		}
		if req.Condition.MinAmount <= 0 {
			return "min_amount must be > 0"
		}
	default:
		return "unknown condition kind"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

type catalogItemRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RequiredMiles int64  `json:"required_miles"`
	Category      string `json:"category"`
	Stock         *int   `json:"stock"`
	Active        bool   `json:"active"`
}

// Catalog serves GET (list, including inactive) and POST (create) on
// /admin/catalog.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.catalog.List(r.Context(), false)
		if err != nil {
			h.log.Error("list catalog failed", "error", err)
			http.Error(w, "list catalog failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req catalogItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if msg := validateItem(&req); msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}
		item := &models.CatalogItem{
			ID:            uuid.New(),
			Name:          req.Name,
			Description:   req.Description,
			RequiredMiles: req.RequiredMiles,
			Category:      req.Category,
			Stock:         req.Stock,
			Active:        req.Active,
		}
		if err := h.catalog.Create(r.Context(), item); err != nil {
			h.log.Error("create catalog item failed", "error", err)
			http.Error(w, "create catalog item failed", http.StatusInternalServerError)
			return
		}
		h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "catalog.create", "catalog_item", item.ID.String(), nil, item)
		writeJSON(w, http.StatusCreated, item)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// CatalogByID serves PUT (update) on /admin/catalog/{id}.
func (h *Handler) CatalogByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/admin/catalog/"))
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}
	var req catalogItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if msg := validateItem(&req); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	before, err := h.catalog.GetByID(r.Context(), id)
	if err != nil {
		h.log.Error("load catalog item failed", "item_id", id, "error", err)
		http.Error(w, "update catalog item failed", http.StatusInternalServerError)
		return
	}
	if before == nil {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	item := &models.CatalogItem{
		ID:            id,
		Name:          req.Name,
		Description:   req.Description,
		RequiredMiles: req.RequiredMiles,
		Category:      req.Category,
		Stock:         req.Stock,
		Active:        req.Active,
	}
	if err := h.catalog.Update(r.Context(), item); err != nil {
		h.log.Error("update catalog item failed", "item_id", id, "error", err)
		http.Error(w, "update catalog item failed", http.StatusInternalServerError)
		return
	}
	h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "catalog.update", "catalog_item", id.String(), before, item)
	writeJSON(w, http.StatusOK, item)
}

func validateItem(req *catalogItemRequest) string {
	if req.Name == "" {
		return "name is required"
	}
	if req.RequiredMiles <= 0 {
		return "required_miles must be > 0"
	}
	switch req.Category {
	case models.CategoryPhysical, models.CategoryDigital, models.CategoryService, models.CategoryVoucher:
	default:
		return "unknown category"
	}
	if req.Stock != nil && *req.Stock < 0 {
		return "stock must be >= 0"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Tiers
// ---------------------------------------------------------------------------

// Tiers serves GET (list) and PUT (replace the whole table) on /admin/tiers.
func (h *Handler) Tiers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.tiers.Thresholds(r.Context())
		if err != nil {
			h.log.Error("list tiers failed", "error", err)
			http.Error(w, "list tiers failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPut:
		var req []models.TierThreshold
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if len(req) == 0 {
			http.Error(w, "at least one tier is required", http.StatusBadRequest)
			return
		}
		seen := make(map[string]bool, len(req))
		for _, t := range req {
			if t.Name == "" {
				http.Error(w, "tier name is required", http.StatusBadRequest)
				return
			}
			if t.MinLifetime < 0 {
				http.Error(w, "min_lifetime must be >= 0", http.StatusBadRequest)
				return
			}
			if seen[t.Name] {
				http.Error(w, "duplicate tier name", http.StatusBadRequest)
				return
			}
			seen[t.Name] = true
		}
		before, err := h.tiers.Thresholds(r.Context())
		if err != nil {
			h.log.Error("load tiers failed", "error", err)
			http.Error(w, "replace tiers failed", http.StatusInternalServerError)
			return
		}
		if err := h.tiers.Replace(r.Context(), req); err != nil {
			h.log.Error("replace tiers failed", "error", err)
			http.Error(w, "replace tiers failed", http.StatusInternalServerError)
			return
		}
		h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "tiers.replace", "tier_thresholds", "all", before, req)
		writeJSON(w, http.StatusOK, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type createAccountRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	KeyLabel    string `json:"key_label"`
}

// Accounts serves POST on /admin/accounts, provisioning a member account
// and minting its first API key. The raw key is returned once and only its
// hash is stored.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	if req.KeyLabel == "" {
		req.KeyLabel = "default"
	}

	thresholds, err := h.tiers.Thresholds(r.Context())
	if err != nil {
		h.log.Error("load tiers failed", "error", err)
		http.Error(w, "create account failed", http.StatusInternalServerError)
		return
	}
	tier := ""
	for _, t := range thresholds {
		if t.MinLifetime <= 0 {
			tier = t.Name
		}
	}

	acc := &models.Account{
		ID:          uuid.New(),
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Tier:        tier,
	}
	if err := h.accounts.Create(r.Context(), acc); err != nil {
		h.log.Error("create account failed", "email", req.Email, "error", err)
		http.Error(w, "create account failed", http.StatusInternalServerError)
		return
	}

	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	rawKey := "om_" + hex.EncodeToString(rawBytes)
	key := &models.APIKey{
		ID:        uuid.New(),
		AccountID: acc.ID,
		KeyHash:   middleware.HashKey(rawKey),
		Label:     req.KeyLabel,
	}
	if err := h.keys.Create(r.Context(), key); err != nil {
		h.log.Error("create api key failed", "account_id", acc.ID, "error", err)
		http.Error(w, "create account failed", http.StatusInternalServerError)
		return
	}

	h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "account.create", "account", acc.ID.String(), nil, acc)
	writeJSON(w, http.StatusCreated, map[string]any{
		"account": acc,
		"api_key": map[string]any{
			"id":      key.ID,
			"label":   key.Label,
			"raw_key": rawKey,
		},
	})
}

// ---------------------------------------------------------------------------
// Redemptions
// ---------------------------------------------------------------------------

// Redemptions serves GET on /admin/redemptions with an optional ?status
// filter, defaulting to pending review.
func (h *Handler) Redemptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.RedemptionPending
	}
	limit, offset := pagination(r, 50)
	list, err := h.redemptions.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		h.log.Error("list redemptions failed", "status", status, "error", err)
		http.Error(w, "list redemptions failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type shipRequest struct {
	TrackingRef string `json:"tracking_ref"`
}

// RedemptionAction serves POST on /admin/redemptions/{id}/{action} where
// action is approve, reject, ship or complete.
func (h *Handler) RedemptionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/redemptions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "invalid redemption id", http.StatusBadRequest)
		return
	}
	action := parts[1]

	before, err := h.redemptions.GetByID(r.Context(), id)
	if err != nil {
		h.log.Error("load redemption failed", "redemption_id", id, "error", err)
		http.Error(w, "redemption lookup failed", http.StatusInternalServerError)
		return
	}
	if before == nil {
		http.Error(w, "redemption not found", http.StatusNotFound)
		return
	}

	var after *models.RedemptionRequest
	switch action {
	case "approve":
		after, err = h.lifecycle.Approve(r.Context(), id)
	case "reject":
		after, err = h.lifecycle.Reject(r.Context(), id)
	case "ship":
		var req shipRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil || req.TrackingRef == "" {
			http.Error(w, "tracking_ref is required", http.StatusBadRequest)
			return
		}
		after, err = h.lifecycle.Ship(r.Context(), id, req.TrackingRef)
	case "complete":
		after, err = h.lifecycle.Complete(r.Context(), id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		if errors.Is(err, redemption.ErrInvalidTransition) {
			http.Error(w, "invalid status transition", http.StatusConflict)
			return
		}
		h.log.Error("redemption transition failed", "redemption_id", id, "action", action, "error", err)
		http.Error(w, "redemption transition failed", http.StatusInternalServerError)
		return
	}
	h.audit(r.Context(), middleware.OperatorFromCtx(r.Context()), "redemption."+action, "redemption_request", id.String(), before, after)
	writeJSON(w, http.StatusOK, after)
}

// ---------------------------------------------------------------------------
// Integrity
// ---------------------------------------------------------------------------

// Integrity serves GET on /admin/accounts/{id}/integrity, recomputing the
// balance projection from the ledger.
func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/accounts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "integrity" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	accountID, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	report, err := h.integrity.Recompute(r.Context(), accountID)
	if err != nil {
		h.log.Error("integrity check failed", "account_id", accountID, "error", err)
		http.Error(w, "integrity check failed", http.StatusInternalServerError)
		return
	}
	if !report.Consistent {
		h.log.Warn("balance drift detected",
			"account_id", accountID,
			"stored", report.StoredBalance,
			"computed", report.ComputedBalance)
	}
	writeJSON(w, http.StatusOK, report)
}

// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}
