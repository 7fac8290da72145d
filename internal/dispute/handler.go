package dispute

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caixahub/caixahub/internal/caixinha"
	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Handler exposes the dispute surface under a caixinha.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// Mount registers dispute routes. Expects a {caixinhaID} URL parameter
// from the enclosing router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/requires", h.requires)
	r.Get("/{disputeID}", h.get)
	r.Post("/{disputeID}/votes", h.vote)
	r.Post("/{disputeID}/cancel", h.cancel)
}

type createDisputeRequest struct {
	Type        string               `json:"type" validate:"required,oneof=RULE_CHANGE LOAN_APPROVAL MEMBER_REMOVAL"`
	Title       string               `json:"title" validate:"required,min=3,max=120"`
	Description string               `json:"description" validate:"max=2000"`
	RuleChange  *caixinha.RulesPatch `json:"ruleChange,omitempty"`
	MemberID    string               `json:"memberId,omitempty"`
	LoanID      string               `json:"loanId,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	var req createDisputeRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	d, err := h.service.Create(r.Context(), CreateInput{
		CaixinhaID:  chi.URLParam(r, "caixinhaID"),
		Type:        Type(req.Type),
		Title:       req.Title,
		Description: req.Description,
		CreatorID:   principal.UserID,
		RuleChange:  req.RuleChange,
		MemberID:    req.MemberID,
		LoanID:      req.LoanID,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	disputes, err := h.service.ListByCaixinha(r.Context(), chi.URLParam(r, "caixinhaID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, disputes)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.scoped(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

// scoped resolves the dispute from the URL and confirms it lives in
// the caixinha of the route; IDs from other caixinhas read as absent.
func (h *Handler) scoped(r *http.Request) (Dispute, error) {
	d, err := h.service.Get(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		return Dispute{}, err
	}
	if d.CaixinhaID != chi.URLParam(r, "caixinhaID") {
		return Dispute{}, fmt.Errorf("dispute: not in this caixinha: %w", shared.ErrNotFound)
	}
	return d, nil
}

// requires answers whether an action must go through a vote under the
// caixinha's current rules.
func (h *Handler) requires(w http.ResponseWriter, r *http.Request) {
	disputeType := Type(r.URL.Query().Get("type"))
	required, err := h.service.RequiresDispute(r.Context(), chi.URLParam(r, "caixinhaID"), disputeType)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"type": disputeType, "required": required})
}

type castVoteRequest struct {
	Vote    *bool  `json:"vote" validate:"required"`
	Comment string `json:"comment" validate:"max=500"`
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, h.logger, shared.ErrAuthentication)
		return
	}
	var req castVoteRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	if _, err := h.scoped(r); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	d, err := h.service.CastVote(r.Context(), chi.URLParam(r, "disputeID"), principal.UserID, *req.Vote, req.Comment)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
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
	d, err := h.service.Cancel(r.Context(), chi.URLParam(r, "disputeID"), principal.UserID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
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
