package loan

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Handler exposes the loan lifecycle surface under a caixinha.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// Mount registers loan routes. Expects a {caixinhaID} URL parameter
// from the enclosing router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.request)
	r.Get("/{loanID}", h.get)
	r.Post("/{loanID}/approve", h.approve)
	r.Post("/{loanID}/reject", h.reject)
	r.Post("/{loanID}/payments", h.makePayment)
	r.Post("/{loanID}/cancel", h.cancel)
}

type requestLoanRequest struct {
	Valor         float64  `json:"valor" validate:"required,gt=0"`
	ParcelasCount int      `json:"parcelasCount" validate:"required,min=1,max=60"`
	Motivo        string   `json:"motivo" validate:"max=500"`
	TaxaJuros     *float64 `json:"taxaJuros" validate:"omitempty,gte=0"`
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	var req requestLoanRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	l, err := h.service.Request(r.Context(), RequestInput{
		CaixinhaID:    chi.URLParam(r, "caixinhaID"),
		UserID:        principal.UserID,
		Valor:         req.Valor,
		ParcelasCount: req.ParcelasCount,
		Motivo:        req.Motivo,
		TaxaJuros:     req.TaxaJuros,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, l)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListByCaixinha(r.Context(), chi.URLParam(r, "caixinhaID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loans)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	l, err := h.scoped(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

// scoped resolves the loan from the URL and confirms it lives in the
// caixinha of the route; IDs from other caixinhas read as absent.
func (h *Handler) scoped(r *http.Request) (Loan, error) {
	l, err := h.service.Get(r.Context(), chi.URLParam(r, "loanID"))
	if err != nil {
		return Loan{}, err
	}
	if l.CaixinhaID != chi.URLParam(r, "caixinhaID") {
		return Loan{}, fmt.Errorf("loan: not in this caixinha: %w", shared.ErrNotFound)
	}
	return l, nil
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	if _, err := h.scoped(r); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	outcome, err := h.service.Approve(r.Context(), chi.URLParam(r, "loanID"), principal.UserID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if outcome.DisputeID != "" {
		httpx.JSON(w, http.StatusAccepted, map[string]any{
			"loan":      outcome.Loan,
			"disputeId": outcome.DisputeID,
		})
		return
	}
	httpx.JSON(w, http.StatusOK, outcome.Loan)
}

type rejectLoanRequest struct {
	Motivo string `json:"motivo" validate:"max=500"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	var req rejectLoanRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if _, err := h.scoped(r); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	l, err := h.service.Reject(r.Context(), chi.URLParam(r, "loanID"), principal.UserID, req.Motivo)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

type makePaymentRequest struct {
	Valor      float64 `json:"valor" validate:"required,gt=0"`
	Metodo     string  `json:"metodo" validate:"required,max=64"`
	Observacao string  `json:"observacao" validate:"max=500"`
}

func (h *Handler) makePayment(w http.ResponseWriter, r *http.Request) {
	var req makePaymentRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if _, err := h.scoped(r); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	l, err := h.service.MakePayment(r.Context(), PaymentInput{
		LoanID:     chi.URLParam(r, "loanID"),
		Valor:      req.Valor,
		Metodo:     req.Metodo,
		Observacao: req.Observacao,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	if _, err := h.scoped(r); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	l, err := h.service.Cancel(r.Context(), chi.URLParam(r, "loanID"), principal.UserID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, l)
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), shared.ErrValidation)
	}
	return nil
}
