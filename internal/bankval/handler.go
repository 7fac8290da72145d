package bankval

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Handler exposes the bank validation surface.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// Mount registers validation routes keyed by the role assignment.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/{userRoleID}/bank-validation", h.initValidation)
	r.Post("/{userRoleID}/bank-validation/confirm", h.confirm)
}

type initRequest struct {
	BankData BankData `json:"bankData" validate:"required"`
}

func (h *Handler) initValidation(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, h.logger, fmt.Errorf("%s: %w", err.Error(), shared.ErrValidation))
		return
	}
	v, err := h.service.Init(r.Context(), chi.URLParam(r, "userRoleID"), req.BankData)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	// The code itself travels only through the notification channel.
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"userRoleId": v.ID,
		"expiresAt":  v.ExpiresAt,
	})
}

type confirmRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, h.logger, fmt.Errorf("%s: %w", err.Error(), shared.ErrValidation))
		return
	}
	assignment, err := h.service.Confirm(r.Context(), chi.URLParam(r, "userRoleID"), req.Code)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}
