package loan

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/caixahub/caixahub/internal/shared"
)

func newHandlerRig(t *testing.T) (*loanFixture, http.Handler) {
	t.Helper()
	f := newTestService(t)
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc)
	r := chi.NewRouter()
	r.Route("/caixinhas/{caixinhaID}/loans", h.Mount)
	return f, r
}

func doAs(router http.Handler, userID, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req = req.WithContext(shared.ContextWithPrincipal(req.Context(), shared.Principal{UserID: userID}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// Routes under one caixinha must not reach loans of another.
func TestRoutesScopedToCaixinha(t *testing.T) {
	f, router := newHandlerRig(t)
	f.grant("bruno", PermissionApproveLoans)
	l := f.request(t, 600, 3, nil)

	rec := doAs(router, "alice", http.MethodGet, "/caixinhas/cx-1/loans/"+l.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAs(router, "alice", http.MethodGet, "/caixinhas/cx-2/loans/"+l.ID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doAs(router, "bruno", http.MethodPost, "/caixinhas/cx-2/loans/"+l.ID+"/approve", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doAs(router, "bruno", http.MethodPost, "/caixinhas/cx-2/loans/"+l.ID+"/reject", `{"motivo":"x"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doAs(router, "alice", http.MethodPost, "/caixinhas/cx-2/loans/"+l.ID+"/payments", `{"valor":200,"metodo":"pix"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doAs(router, "alice", http.MethodPost, "/caixinhas/cx-2/loans/"+l.ID+"/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	got, err := f.svc.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendente, got.Status)

	rec = doAs(router, "bruno", http.MethodPost, "/caixinhas/cx-1/loans/"+l.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
