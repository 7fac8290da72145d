package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Middleware rejects requests without a valid bearer token and stores
// the principal on the context for downstream handlers.
func Middleware(issuer *TokenIssuer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
				httpx.RespondError(w, logger, fmt.Errorf("auth: missing bearer token: %w", shared.ErrAuthentication))
				return
			}
			principal, err := issuer.Verify(token)
			if err != nil {
				httpx.RespondError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
