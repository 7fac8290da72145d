package caixinha

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Handler exposes caixinha management routes.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// Mount registers caixinha routes.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{caixinhaID}", h.get)
	r.Get("/{caixinhaID}/members", h.members)
	r.Post("/{caixinhaID}/members", h.addMember)
	r.Delete("/{caixinhaID}/members/{userID}", h.removeMember)
	r.Get("/{caixinhaID}/rules", h.rules)
	r.Patch("/{caixinhaID}/rules", h.patchRules)
}

type createCaixinhaRequest struct {
	Name  string      `json:"name" validate:"required,min=2,max=120"`
	Rules *RulesPatch `json:"rules,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	var req createCaixinhaRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	rules := DefaultRules()
	if req.Rules != nil {
		rules.Apply(*req.Rules)
	}
	c, err := h.service.Create(r.Context(), req.Name, principal.UserID, rules)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "caixinhaID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) members(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.Members(r.Context(), chi.URLParam(r, "caixinhaID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, members)
}

type addMemberRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if err := h.service.AddMember(r.Context(), chi.URLParam(r, "caixinhaID"), req.UserID); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveMember(r.Context(), chi.URLParam(r, "caixinhaID"), chi.URLParam(r, "userID")); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.Rules(r.Context(), chi.URLParam(r, "caixinhaID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rules)
}

// patchRules applies a direct rules change. When the caixinha requires
// rule changes to go through a vote this endpoint answers conflict and
// the caller must open a dispute instead.
func (h *Handler) patchRules(w http.ResponseWriter, r *http.Request) {
	var patch RulesPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	caixinhaID := chi.URLParam(r, "caixinhaID")
	current, err := h.service.Rules(r.Context(), caixinhaID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if current.RuleChangeRequiresDispute {
		httpx.RespondError(w, h.logger, fmt.Errorf("caixinha: rule changes require a dispute: %w", shared.ErrConflict))
		return
	}
	rules, err := h.service.ApplyRulesPatch(r.Context(), caixinhaID, patch)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rules)
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
