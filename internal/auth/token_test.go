package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caixahub/caixahub/internal/shared"
)

func newTestIssuer() *TokenIssuer {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	issuer.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	return issuer
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer()

	token, err := issuer.Issue("user-1", "Alice")
	require.NoError(t, err)

	principal, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.UserID)
	require.Equal(t, "Alice", principal.Name)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := newTestIssuer()
	token, err := issuer.Issue("user-1", "Alice")
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC) }
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, shared.ErrAuthentication)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := newTestIssuer()
	token, err := issuer.Issue("user-1", "Alice")
	require.NoError(t, err)

	other := NewTokenIssuer([]byte("other-secret"), time.Hour)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, shared.ErrAuthentication)
}

func TestMiddleware(t *testing.T) {
	issuer := newTestIssuer()
	token, err := issuer.Issue("user-1", "Alice")
	require.NoError(t, err)

	var got shared.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = shared.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Middleware(issuer, nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-1", got.UserID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
