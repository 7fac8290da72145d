package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/caixahub/caixahub/internal/shared"
)

// ContextType scopes a role assignment to a class of resource.
type ContextType string

const (
	ContextGlobal      ContextType = "global"
	ContextCaixinha    ContextType = "caixinha"
	ContextMarketplace ContextType = "marketplace"
)

// Administrative permissions guarding the role management surface.
const (
	PermissionManageRoles = "rbac:manage_roles"
	PermissionAssignRoles = "rbac:assign_roles"
)

// ValidationStatus tracks the bank-validation lifecycle of a UserRole.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationRejected  ValidationStatus = "rejected"
)

// Role represents a high-level permission grouping. Identity is
// immutable once created; only description and the system flag may be
// edited by an administrator.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	IsSystemRole bool      `json:"isSystemRole"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Permission represents an atomic capability named "<resource>:<action>".
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RolePermission ties a permission to a role. No duplicates.
type RolePermission struct {
	RoleID       string    `json:"roleId"`
	PermissionID string    `json:"permissionId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoleContext scopes a UserRole to a resource. ResourceID is required
// whenever Type is not global.
type RoleContext struct {
	Type       ContextType `json:"type"`
	ResourceID string      `json:"resourceId,omitempty"`
}

// Validate enforces the construction-time context invariant.
func (c RoleContext) Validate() error {
	switch c.Type {
	case ContextGlobal:
		return nil
	case ContextCaixinha, ContextMarketplace:
		if strings.TrimSpace(c.ResourceID) == "" {
			return fmt.Errorf("rbac: context type %q requires a resource id: %w", c.Type, shared.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("rbac: unknown context type %q: %w", c.Type, shared.ErrValidation)
	}
}

// Matches reports whether the assignment applies to a request for the
// given context. Global assignments apply everywhere; they are the
// fallback for scoped requests, not an override.
func (c RoleContext) Matches(ctxType ContextType, resourceID string) bool {
	if c.Type == ContextGlobal {
		return true
	}
	return c.Type == ctxType && c.ResourceID == resourceID
}

// UserRole links a user to a role within a context.
type UserRole struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	RoleID           string           `json:"roleId"`
	Context          RoleContext      `json:"context"`
	ValidationStatus ValidationStatus `json:"validationStatus"`
	ValidationData   map[string]any   `json:"validationData,omitempty"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Expired reports whether the assignment has lapsed.
func (u UserRole) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && !u.ExpiresAt.After(now)
}

// Active reports whether the assignment currently confers capabilities.
func (u UserRole) Active(now time.Time) bool {
	return u.ValidationStatus == ValidationValidated && !u.Expired(now)
}

// PermissionName builds the canonical "<resource>:<action>" name.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// SplitPermissionName parses a canonical permission name.
func SplitPermissionName(name string) (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(name, ":")
	if !ok || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}
