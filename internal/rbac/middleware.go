package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Middleware wires authorization helpers for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireGlobal ensures the principal holds the permission in the
// global context.
func (m Middleware) RequireGlobal(permission string) func(http.Handler) http.Handler {
	return m.require(permission, ContextGlobal, "")
}

// RequireCaixinha ensures the principal holds the permission scoped to
// the caixinha identified by the named URL parameter.
func (m Middleware) RequireCaixinha(permission, urlParam string) func(http.Handler) http.Handler {
	return m.require(permission, ContextCaixinha, urlParam)
}

func (m Middleware) require(permission string, ctxType ContextType, urlParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, m.Logger, shared.ErrAuthentication)
				return
			}
			resourceID := ""
			if urlParam != "" {
				resourceID = chi.URLParam(r, urlParam)
			}
			granted, err := m.Service.HasPermission(r.Context(), principal.UserID, permission, ctxType, resourceID)
			if err != nil {
				// Fail closed: a resolver failure denies.
				if m.Logger != nil {
					m.Logger.Error("permission check", slog.String("permission", permission), slog.Any("error", err))
				}
				httpx.RespondError(w, m.Logger, shared.ErrService)
				return
			}
			if !granted {
				httpx.RespondError(w, m.Logger, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
