package dispute

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

func newHandlerRig(t *testing.T) (*disputeFixture, http.Handler) {
	t.Helper()
	f := newTestService(t)
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc)
	r := chi.NewRouter()
	r.Route("/caixinhas/{caixinhaID}/disputes", h.Mount)
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

// Routes under one caixinha must not reach disputes of another.
func TestRoutesScopedToCaixinha(t *testing.T) {
	f, router := newHandlerRig(t)
	d := f.createRuleChange(t)

	rec := doAs(router, "bruno", http.MethodGet, "/caixinhas/cx-1/disputes/"+d.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doAs(router, "bruno", http.MethodGet, "/caixinhas/cx-2/disputes/"+d.ID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doAs(router, "bruno", http.MethodPost, "/caixinhas/cx-2/disputes/"+d.ID+"/votes", `{"vote":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doAs(router, "alice", http.MethodPost, "/caixinhas/cx-2/disputes/"+d.ID+"/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	got, err := f.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)
	require.Empty(t, got.Votes)

	rec = doAs(router, "bruno", http.MethodPost, "/caixinhas/cx-1/disputes/"+d.ID+"/votes", `{"vote":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
}
