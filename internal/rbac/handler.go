package rbac

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caixahub/caixahub/internal/platform/httpx"
	"github.com/caixahub/caixahub/internal/shared"
)

// Handler exposes the role/permission admin surface.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoles registers role management routes.
func (h *Handler) MountRoles(r chi.Router) {
	r.Get("/", h.listRoles)
	r.Post("/", h.createRole)
	r.Get("/{roleID}", h.getRole)
	r.Put("/{roleID}", h.updateRole)
	r.Delete("/{roleID}", h.deleteRole)
	r.Post("/{roleID}/permissions/{permissionID}", h.attachPermission)
	r.Delete("/{roleID}/permissions/{permissionID}", h.detachPermission)
}

// MountPermissions registers permission management routes.
func (h *Handler) MountPermissions(r chi.Router) {
	r.Get("/", h.listPermissions)
	r.Post("/", h.createPermission)
	r.Get("/{permissionID}", h.getPermission)
	r.Put("/{permissionID}", h.updatePermission)
	r.Delete("/{permissionID}", h.deletePermission)
}

// MountUserRoles registers user role assignment routes.
func (h *Handler) MountUserRoles(r chi.Router) {
	r.Get("/{userID}/roles", h.listUserRoles)
	r.Post("/{userID}/roles", h.assignRole)
	r.Delete("/{userID}/roles/{userRoleID}", h.revokeUserRole)
	r.Post("/{userID}/roles/{userRoleID}/validate", h.validateUserRole)
	r.Post("/{userID}/roles/{userRoleID}/reject", h.rejectUserRole)
}

type createRoleRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=64"`
	Description  string `json:"description" validate:"max=500"`
	IsSystemRole bool   `json:"isSystemRole"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description, req.IsSystemRole)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type updateRoleRequest struct {
	Description  string `json:"description" validate:"max=500"`
	IsSystemRole bool   `json:"isSystemRole"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "roleID"), req.Description, req.IsSystemRole)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "roleID")); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	err := h.service.AttachPermission(r.Context(), chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) detachPermission(w http.ResponseWriter, r *http.Request) {
	err := h.service.DetachPermission(r.Context(), chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPermissionRequest struct {
	Name        string `json:"name" validate:"required,min=3,max=128,contains=:"`
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req.Name, req.Description)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	perm, err := h.service.GetPermission(r.Context(), chi.URLParam(r, "permissionID"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

type updatePermissionRequest struct {
	Description string `json:"description" validate:"max=500"`
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	perm, err := h.service.UpdatePermission(r.Context(), chi.URLParam(r, "permissionID"), req.Description)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePermission(r.Context(), chi.URLParam(r, "permissionID")); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID      string         `json:"roleId" validate:"required,uuid"`
	ContextType string         `json:"contextType" validate:"required,oneof=global caixinha marketplace"`
	ResourceID  string         `json:"resourceId"`
	ExpiresAt   *time.Time     `json:"expiresAt"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	assignment, err := h.service.AssignRole(r.Context(), AssignRoleInput{
		UserID:    chi.URLParam(r, "userID"),
		RoleID:    req.RoleID,
		Context:   RoleContext{Type: ContextType(req.ContextType), ResourceID: req.ResourceID},
		ExpiresAt: req.ExpiresAt,
		Metadata:  req.Metadata,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	ctxType := ContextType(r.URL.Query().Get("contextType"))
	resourceID := r.URL.Query().Get("resourceId")
	assignments, err := h.service.GetUserRoles(r.Context(), chi.URLParam(r, "userID"), ctxType, resourceID)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignments)
}

func (h *Handler) revokeUserRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RevokeUserRole(r.Context(), chi.URLParam(r, "userRoleID")); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) validateUserRole(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.service.ValidateUserRole(r.Context(), chi.URLParam(r, "userRoleID"), nil)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}

type rejectUserRoleRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) rejectUserRole(w http.ResponseWriter, r *http.Request) {
	var req rejectUserRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	assignment, err := h.service.RejectUserRole(r.Context(), chi.URLParam(r, "userRoleID"), req.Reason)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("rbac: decode request: %w", shared.ErrValidation)
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("rbac: %v: %w", err, shared.ErrValidation)
	}
	return nil
}
