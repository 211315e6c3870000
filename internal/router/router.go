package router

import (
	"net/http"

	"github.com/orbitmiles/backend/internal/admin"
	"github.com/orbitmiles/backend/internal/auth"
	"github.com/orbitmiles/backend/internal/handlers"
)

// Config carries the handlers and guards the router wires together.
type Config struct {
	AuthHandler   *auth.Handler
	Member        *handlers.MemberHandler
	Hooks         *handlers.HooksHandler
	Admin         *admin.Handler
	MemberAuth    func(http.Handler) http.Handler
	OperatorAuth  func(http.Handler) http.Handler
	SchedulerAuth func(http.Handler) http.Handler
}

// New returns the http.Handler serving the whole API: the member surface
// under /v1 behind API key auth, admin under /admin behind operator JWTs,
// and the scheduler hooks under /hooks behind the shared secret.
func New(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/register", cfg.AuthHandler.Register)
	mux.HandleFunc("/auth/login", cfg.AuthHandler.Login)

	member := http.NewServeMux()
	member.HandleFunc("/v1/balance", cfg.Member.Balance)
	member.HandleFunc("/v1/earn", cfg.Member.Earn)
	member.HandleFunc("/v1/redeem", cfg.Member.Redeem)
	member.HandleFunc("/v1/catalog", cfg.Member.CatalogItems)
	member.HandleFunc("/v1/checkin", cfg.Member.Checkin)
	member.HandleFunc("/v1/streak", cfg.Member.Streak)
	member.HandleFunc("/v1/streak/freeze", cfg.Member.FreezeStreak)
	member.HandleFunc("/v1/history", cfg.Member.History)
	member.HandleFunc("/v1/expiring", cfg.Member.Expiring)
	member.HandleFunc("/v1/redemptions", cfg.Member.MyRedemptions)
	mux.Handle("/v1/", cfg.MemberAuth(member))

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/admin/rules", cfg.Admin.Rules)
	adminMux.HandleFunc("/admin/rules/", cfg.Admin.RuleByCode)
	adminMux.HandleFunc("/admin/catalog", cfg.Admin.Catalog)
	adminMux.HandleFunc("/admin/catalog/", cfg.Admin.CatalogByID)
	adminMux.HandleFunc("/admin/tiers", cfg.Admin.Tiers)
	adminMux.HandleFunc("/admin/accounts", cfg.Admin.Accounts)
	adminMux.HandleFunc("/admin/redemptions", cfg.Admin.Redemptions)
	adminMux.HandleFunc("/admin/redemptions/", cfg.Admin.RedemptionAction)
	adminMux.HandleFunc("/admin/accounts/", cfg.Admin.Integrity)
	mux.Handle("/admin/", cfg.OperatorAuth(adminMux))

	hooks := http.NewServeMux()
	hooks.HandleFunc("/hooks/expire", cfg.Hooks.ExpireMiles)
	hooks.HandleFunc("/hooks/monthly-reset", cfg.Hooks.MonthlyReset)
	mux.Handle("/hooks/", cfg.SchedulerAuth(hooks))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}
