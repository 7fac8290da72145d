package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/caixahub/caixahub/internal/auth"
	"github.com/caixahub/caixahub/internal/bankval"
	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/dispute"
	"github.com/caixahub/caixahub/internal/loan"
	"github.com/caixahub/caixahub/internal/observability"
	"github.com/caixahub/caixahub/internal/rbac"
	"github.com/caixahub/caixahub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	TokenIssuer     *auth.TokenIssuer
	RBACHandler     *rbac.Handler
	RBACMiddleware  rbac.Middleware
	BankValHandler  *bankval.Handler
	CaixinhaHandler *caixinha.Handler
	DisputeHandler  *dispute.Handler
	LoanHandler     *loan.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(params.TokenIssuer, params.Logger))

		r.Route("/roles", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireGlobal(rbac.PermissionManageRoles))
			params.RBACHandler.MountRoles(r)
		})
		r.Route("/permissions", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireGlobal(rbac.PermissionManageRoles))
			params.RBACHandler.MountPermissions(r)
		})
		r.Route("/users", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireGlobal(rbac.PermissionAssignRoles))
			params.RBACHandler.MountUserRoles(r)
		})

		r.Route("/user-roles", params.BankValHandler.Mount)

		r.Route("/caixinhas", func(r chi.Router) {
			params.CaixinhaHandler.Mount(r)
			r.Route("/{caixinhaID}/disputes", params.DisputeHandler.Mount)
			r.Route("/{caixinhaID}/loans", params.LoanHandler.Mount)
		})
	})

	return r
}
