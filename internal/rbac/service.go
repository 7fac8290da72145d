package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caixahub/caixahub/internal/shared"
)

var (
	// ErrNameRequired indicates a missing role or permission name.
	ErrNameRequired = fmt.Errorf("rbac: name required: %w", shared.ErrValidation)
	// ErrNameTaken indicates a duplicate role or permission name.
	ErrNameTaken = fmt.Errorf("rbac: name already in use: %w", shared.ErrConflict)
	// ErrInUse indicates a role or permission is still referenced.
	ErrInUse = fmt.Errorf("rbac: still in use: %w", shared.ErrConflict)
	// ErrNotPending indicates a validation transition on a non-pending assignment.
	ErrNotPending = fmt.Errorf("rbac: user role is not pending validation: %w", shared.ErrConflict)
)

// AuditRecorder persists administrative actions. Satisfied by
// shared.AuditLogger.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service resolves permissions and manages the RBAC records. Resolver
// failures always deny (fail closed).
type Service struct {
	repo      *Repository
	cache     *PermissionCache
	sensitive map[string]struct{}
	audit     AuditRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the Service. sensitive lists permission names
// whose checks must bypass the cache and read with strong consistency.
func NewService(repo *Repository, cache *PermissionCache, logger *slog.Logger, sensitive []string) *Service {
	set := make(map[string]struct{}, len(sensitive))
	for _, name := range sensitive {
		set[strings.TrimSpace(name)] = struct{}{}
	}
	return &Service{repo: repo, cache: cache, sensitive: set, logger: logger, now: time.Now}
}

// SetAuditRecorder attaches the audit trail. Audit failures are logged
// and never block the mutation they describe.
func (s *Service) SetAuditRecorder(audit AuditRecorder) {
	s.audit = audit
}

func (s *Service) auditRecord(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	actorID := ""
	if principal, ok := shared.PrincipalFromContext(ctx); ok {
		actorID = principal.UserID
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// --- Resolver ---

// GetUserRoles returns assignments matching the requested context.
// Empty ctxType returns every assignment for the user.
func (s *Service) GetUserRoles(ctx context.Context, userID string, ctxType ContextType, resourceID string) ([]UserRole, error) {
	assignments, err := s.repo.ListUserRolesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ctxType == "" {
		return assignments, nil
	}
	matched := assignments[:0]
	for _, a := range assignments {
		if a.Context.Matches(ctxType, resourceID) {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// HasPermission reports whether the user holds the named capability in
// the given context. Absence is false, never an error; a store failure
// returns false together with the error so callers deny.
func (s *Service) HasPermission(ctx context.Context, userID, permission string, ctxType ContextType, resourceID string) (bool, error) {
	if ctxType == "" {
		ctxType = ContextGlobal
	}
	_, isSensitive := s.sensitive[permission]
	if !isSensitive {
		if set, ok := s.cache.Get(ctx, userID, ctxType, resourceID); ok {
			_, granted := set[permission]
			return granted, nil
		}
	}
	set, err := s.effectivePermissions(ctx, userID, ctxType, resourceID)
	if err != nil {
		return false, err
	}
	if !isSensitive {
		s.cache.Set(ctx, userID, ctxType, resourceID, set)
	}
	_, granted := set[permission]
	return granted, nil
}

// HasRole reports whether the user holds a validated, unexpired
// assignment of the named role in the given context.
func (s *Service) HasRole(ctx context.Context, userID, roleName string, ctxType ContextType, resourceID string) (bool, error) {
	if ctxType == "" {
		ctxType = ContextGlobal
	}
	role, err := s.repo.FindRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	assignments, err := s.GetUserRoles(ctx, userID, ctxType, resourceID)
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, a := range assignments {
		if a.RoleID == role.ID && a.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

// effectivePermissions unions the permission names of every validated,
// unexpired assignment matching the context.
func (s *Service) effectivePermissions(ctx context.Context, userID string, ctxType ContextType, resourceID string) (map[string]struct{}, error) {
	assignments, err := s.GetUserRoles(ctx, userID, ctxType, resourceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	set := make(map[string]struct{})
	for _, a := range assignments {
		if !a.Active(now) {
			continue
		}
		links, err := s.repo.ListRolePermissions(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			perm, err := s.repo.GetPermission(ctx, link.PermissionID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					continue
				}
				return nil, err
			}
			set[perm.Name] = struct{}{}
		}
	}
	return set, nil
}

// --- Admin surface: roles ---

// CreateRole inserts a new role with a unique name.
func (s *Service) CreateRole(ctx context.Context, name, description string, isSystemRole bool) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, ErrNameRequired
	}
	if _, err := s.repo.FindRoleByName(ctx, name); err == nil {
		return Role{}, ErrNameTaken
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, err
	}
	now := s.now()
	role := Role{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  strings.TrimSpace(description),
		IsSystemRole: isSystemRole,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertRole(ctx, role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// UpdateRole edits description and system flag. Role identity is
// immutable once created.
func (s *Service) UpdateRole(ctx context.Context, id, description string, isSystemRole bool) (Role, error) {
	return s.repo.UpdateRole(ctx, id, func(role *Role) error {
		role.Description = strings.TrimSpace(description)
		role.IsSystemRole = isSystemRole
		role.UpdatedAt = s.now()
		return nil
	})
}

// DeleteRole removes a role that is no longer referenced by any
// role/permission link or user assignment.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	links, err := s.repo.ListRolePermissions(ctx, id)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		return ErrInUse
	}
	assignments, err := s.repo.ListUserRolesByRole(ctx, id)
	if err != nil {
		return err
	}
	if len(assignments) > 0 {
		return ErrInUse
	}
	return s.repo.DeleteRole(ctx, id)
}

// --- Admin surface: permissions ---

// CreatePermission inserts a permission named "<resource>:<action>".
func (s *Service) CreatePermission(ctx context.Context, name, description string) (Permission, error) {
	name = strings.TrimSpace(name)
	resource, action, ok := SplitPermissionName(name)
	if !ok {
		return Permission{}, fmt.Errorf("rbac: permission name must be <resource>:<action>: %w", shared.ErrValidation)
	}
	if _, err := s.repo.FindPermissionByName(ctx, name); err == nil {
		return Permission{}, ErrNameTaken
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Permission{}, err
	}
	perm := Permission{
		ID:          uuid.NewString(),
		Name:        name,
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now(),
	}
	if err := s.repo.InsertPermission(ctx, perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// GetPermission fetches a permission by ID.
func (s *Service) GetPermission(ctx context.Context, id string) (Permission, error) {
	return s.repo.GetPermission(ctx, id)
}

// ListPermissions returns all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// UpdatePermission edits the description.
func (s *Service) UpdatePermission(ctx context.Context, id, description string) (Permission, error) {
	return s.repo.UpdatePermission(ctx, id, func(perm *Permission) error {
		perm.Description = strings.TrimSpace(description)
		return nil
	})
}

// DeletePermission removes a permission not referenced by any role.
func (s *Service) DeletePermission(ctx context.Context, id string) error {
	links, err := s.repo.ListPermissionRoles(ctx, id)
	if err != nil {
		return err
	}
	if len(links) > 0 {
		return ErrInUse
	}
	return s.repo.DeletePermission(ctx, id)
}

// AttachPermission links a permission to a role.
func (s *Service) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	err := s.repo.InsertRolePermission(ctx, RolePermission{
		RoleID:       roleID,
		PermissionID: permissionID,
		CreatedAt:    s.now(),
	})
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			return fmt.Errorf("rbac: permission already attached: %w", shared.ErrConflict)
		}
		return err
	}
	s.invalidateRoleHolders(ctx, roleID)
	return nil
}

// DetachPermission removes a role/permission link.
func (s *Service) DetachPermission(ctx context.Context, roleID, permissionID string) error {
	if err := s.repo.DeleteRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.invalidateRoleHolders(ctx, roleID)
	return nil
}

// --- Admin surface: user roles ---

// AssignRoleInput describes a user role assignment request.
type AssignRoleInput struct {
	UserID    string
	RoleID    string
	Context   RoleContext
	ExpiresAt *time.Time
	Metadata  map[string]any
}

// AssignRole creates a pending assignment for the user.
func (s *Service) AssignRole(ctx context.Context, input AssignRoleInput) (UserRole, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return UserRole{}, fmt.Errorf("rbac: user id required: %w", shared.ErrValidation)
	}
	if err := input.Context.Validate(); err != nil {
		return UserRole{}, err
	}
	if _, err := s.repo.GetRole(ctx, input.RoleID); err != nil {
		return UserRole{}, err
	}
	now := s.now()
	assignment := UserRole{
		ID:               uuid.NewString(),
		UserID:           input.UserID,
		RoleID:           input.RoleID,
		Context:          input.Context,
		ValidationStatus: ValidationPending,
		Metadata:         input.Metadata,
		ExpiresAt:        input.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertUserRole(ctx, assignment); err != nil {
		return UserRole{}, err
	}
	s.cache.Invalidate(ctx, input.UserID)
	s.auditRecord(ctx, "user_role.assign", "user_role", assignment.ID, map[string]any{
		"userId": input.UserID,
		"roleId": input.RoleID,
	})
	return assignment, nil
}

// GetUserRole fetches a single assignment.
func (s *Service) GetUserRole(ctx context.Context, id string) (UserRole, error) {
	return s.repo.GetUserRole(ctx, id)
}

// RevokeUserRole removes an assignment.
func (s *Service) RevokeUserRole(ctx context.Context, id string) error {
	assignment, err := s.repo.GetUserRole(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteUserRole(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, assignment.UserID)
	s.auditRecord(ctx, "user_role.revoke", "user_role", id, map[string]any{"userId": assignment.UserID})
	return nil
}

// ValidateUserRole transitions a pending assignment to validated.
func (s *Service) ValidateUserRole(ctx context.Context, id string, validationData map[string]any) (UserRole, error) {
	updated, err := s.repo.UpdateUserRole(ctx, id, func(a *UserRole) error {
		if a.ValidationStatus != ValidationPending {
			return ErrNotPending
		}
		a.ValidationStatus = ValidationValidated
		if validationData != nil {
			a.ValidationData = validationData
		}
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return UserRole{}, err
	}
	s.cache.Invalidate(ctx, updated.UserID)
	s.auditRecord(ctx, "user_role.validate", "user_role", id, map[string]any{"userId": updated.UserID})
	return updated, nil
}

// RejectUserRole transitions a pending assignment to rejected.
func (s *Service) RejectUserRole(ctx context.Context, id, reason string) (UserRole, error) {
	updated, err := s.repo.UpdateUserRole(ctx, id, func(a *UserRole) error {
		if a.ValidationStatus != ValidationPending {
			return ErrNotPending
		}
		a.ValidationStatus = ValidationRejected
		if reason != "" {
			if a.ValidationData == nil {
				a.ValidationData = map[string]any{}
			}
			a.ValidationData["rejectionReason"] = reason
		}
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return UserRole{}, err
	}
	s.cache.Invalidate(ctx, updated.UserID)
	s.auditRecord(ctx, "user_role.reject", "user_role", id, map[string]any{"userId": updated.UserID, "reason": reason})
	return updated, nil
}

// RevokeContextRoles removes every assignment the user holds in the
// given scoped context. Used when a member leaves or is removed from a
// caixinha.
func (s *Service) RevokeContextRoles(ctx context.Context, userID string, ctxType ContextType, resourceID string) error {
	assignments, err := s.repo.ListUserRolesByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.Context.Type == ctxType && a.Context.ResourceID == resourceID {
			if err := s.repo.DeleteUserRole(ctx, a.ID); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return err
			}
		}
	}
	s.cache.Invalidate(ctx, userID)
	return nil
}

// invalidateRoleHolders drops cached permissions for everyone holding
// the role. Failures only widen the staleness window of the cache.
func (s *Service) invalidateRoleHolders(ctx context.Context, roleID string) {
	assignments, err := s.repo.ListUserRolesByRole(ctx, roleID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("invalidate role holders", slog.Any("error", err))
		}
		return
	}
	for _, a := range assignments {
		s.cache.Invalidate(ctx, a.UserID)
	}
}
