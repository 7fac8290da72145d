package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/shared"
)

// Record store collections used by this package. The *_names
// collections hold one claim record per taken name, keyed by the name
// itself, so uniqueness is enforced by the insert rather than by a
// racy find-then-insert.
const (
	colRoles           = "roles"
	colRoleNames       = "role_names"
	colPermissions     = "permissions"
	colPermissionNames = "permission_names"
	colRolePermissions = "role_permissions"
	colUserRoles       = "user_roles"
)

// Repository persists the RBAC model in the record store.
type Repository struct {
	store    store.Store
	attempts int
}

// NewRepository constructs a Repository. attempts bounds the optimistic
// retry loops on conditional writes.
func NewRepository(s store.Store, attempts int) *Repository {
	if attempts < 1 {
		attempts = 3
	}
	return &Repository{store: s, attempts: attempts}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("rbac: %w", shared.ErrNotFound)
	case errors.Is(err, store.ErrExists), errors.Is(err, store.ErrRevisionMismatch):
		return fmt.Errorf("rbac: %w", shared.ErrConflict)
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("rbac: store: %w", shared.ErrService)
	default:
		return err
	}
}

func rolePermissionID(roleID, permissionID string) string {
	return roleID + ":" + permissionID
}

// --- Roles ---

// InsertRole stores a new role. The name claim lands first; a lost
// race surfaces as a conflict before the role record exists.
func (r *Repository) InsertRole(ctx context.Context, role Role) error {
	claim, err := r.claimName(ctx, colRoleNames, role.Name, role.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(role)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colRoles, role.ID, data); err != nil {
		_ = r.store.Delete(ctx, colRoleNames, role.Name, claim.Revision)
		return mapStoreErr(err)
	}
	return nil
}

func (r *Repository) claimName(ctx context.Context, collection, name, ownerID string) (store.Record, error) {
	data, err := json.Marshal(map[string]string{"ownerId": ownerID})
	if err != nil {
		return store.Record{}, err
	}
	rec, err := r.store.Insert(ctx, collection, name, data)
	if err != nil {
		return store.Record{}, mapStoreErr(err)
	}
	return rec, nil
}

func (r *Repository) releaseName(ctx context.Context, collection, name string) {
	rec, err := r.store.Get(ctx, collection, name)
	if err != nil {
		return
	}
	_ = r.store.Delete(ctx, collection, name, rec.Revision)
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id string) (Role, error) {
	rec, err := r.store.Get(ctx, colRoles, id)
	if err != nil {
		return Role{}, mapStoreErr(err)
	}
	var role Role
	if err := json.Unmarshal(rec.Data, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// FindRoleByName returns the role with the given unique name.
func (r *Repository) FindRoleByName(ctx context.Context, name string) (Role, error) {
	recs, err := r.store.Find(ctx, colRoles, store.Filter{"name": name})
	if err != nil {
		return Role{}, mapStoreErr(err)
	}
	if len(recs) == 0 {
		return Role{}, fmt.Errorf("rbac: role %q: %w", name, shared.ErrNotFound)
	}
	var role Role
	if err := json.Unmarshal(recs[0].Data, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	recs, err := r.store.Find(ctx, colRoles, nil)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	roles := make([]Role, 0, len(recs))
	for _, rec := range recs {
		var role Role
		if err := json.Unmarshal(rec.Data, &role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// UpdateRole applies fn to the role under a conditional write.
func (r *Repository) UpdateRole(ctx context.Context, id string, fn func(*Role) error) (Role, error) {
	var updated Role
	_, err := store.Update(ctx, r.store, colRoles, id, r.attempts, func(rec store.Record) ([]byte, error) {
		var role Role
		if err := json.Unmarshal(rec.Data, &role); err != nil {
			return nil, err
		}
		if err := fn(&role); err != nil {
			return nil, err
		}
		updated = role
		return json.Marshal(role)
	})
	if err != nil {
		return Role{}, mapStoreErr(err)
	}
	return updated, nil
}

// DeleteRole removes a role and frees its name.
func (r *Repository) DeleteRole(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, colRoles, id)
	if err != nil {
		return mapStoreErr(err)
	}
	var role Role
	if err := json.Unmarshal(rec.Data, &role); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, colRoles, id, rec.Revision); err != nil {
		return mapStoreErr(err)
	}
	r.releaseName(ctx, colRoleNames, role.Name)
	return nil
}

// --- Permissions ---

// InsertPermission stores a new permission behind its name claim.
func (r *Repository) InsertPermission(ctx context.Context, perm Permission) error {
	claim, err := r.claimName(ctx, colPermissionNames, perm.Name, perm.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(perm)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colPermissions, perm.ID, data); err != nil {
		_ = r.store.Delete(ctx, colPermissionNames, perm.Name, claim.Revision)
		return mapStoreErr(err)
	}
	return nil
}

// GetPermission fetches a permission by ID.
func (r *Repository) GetPermission(ctx context.Context, id string) (Permission, error) {
	rec, err := r.store.Get(ctx, colPermissions, id)
	if err != nil {
		return Permission{}, mapStoreErr(err)
	}
	var perm Permission
	if err := json.Unmarshal(rec.Data, &perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// FindPermissionByName returns the permission with the given unique name.
func (r *Repository) FindPermissionByName(ctx context.Context, name string) (Permission, error) {
	recs, err := r.store.Find(ctx, colPermissions, store.Filter{"name": name})
	if err != nil {
		return Permission{}, mapStoreErr(err)
	}
	if len(recs) == 0 {
		return Permission{}, fmt.Errorf("rbac: permission %q: %w", name, shared.ErrNotFound)
	}
	var perm Permission
	if err := json.Unmarshal(recs[0].Data, &perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// ListPermissions returns all permissions.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	recs, err := r.store.Find(ctx, colPermissions, nil)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	perms := make([]Permission, 0, len(recs))
	for _, rec := range recs {
		var perm Permission
		if err := json.Unmarshal(rec.Data, &perm); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

// UpdatePermission applies fn to the permission under a conditional write.
func (r *Repository) UpdatePermission(ctx context.Context, id string, fn func(*Permission) error) (Permission, error) {
	var updated Permission
	_, err := store.Update(ctx, r.store, colPermissions, id, r.attempts, func(rec store.Record) ([]byte, error) {
		var perm Permission
		if err := json.Unmarshal(rec.Data, &perm); err != nil {
			return nil, err
		}
		if err := fn(&perm); err != nil {
			return nil, err
		}
		updated = perm
		return json.Marshal(perm)
	})
	if err != nil {
		return Permission{}, mapStoreErr(err)
	}
	return updated, nil
}

// DeletePermission removes a permission and frees its name.
func (r *Repository) DeletePermission(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, colPermissions, id)
	if err != nil {
		return mapStoreErr(err)
	}
	var perm Permission
	if err := json.Unmarshal(rec.Data, &perm); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, colPermissions, id, rec.Revision); err != nil {
		return mapStoreErr(err)
	}
	r.releaseName(ctx, colPermissionNames, perm.Name)
	return nil
}

// --- Role/permission junction ---

// InsertRolePermission links a permission to a role.
func (r *Repository) InsertRolePermission(ctx context.Context, link RolePermission) error {
	data, err := json.Marshal(link)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colRolePermissions, rolePermissionID(link.RoleID, link.PermissionID), data); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// DeleteRolePermission removes a role/permission link.
func (r *Repository) DeleteRolePermission(ctx context.Context, roleID, permissionID string) error {
	id := rolePermissionID(roleID, permissionID)
	rec, err := r.store.Get(ctx, colRolePermissions, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := r.store.Delete(ctx, colRolePermissions, id, rec.Revision); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// ListRolePermissions returns the links for a role.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID string) ([]RolePermission, error) {
	return r.findRolePermissions(ctx, store.Filter{"roleId": roleID})
}

// ListPermissionRoles returns the links referencing a permission.
func (r *Repository) ListPermissionRoles(ctx context.Context, permissionID string) ([]RolePermission, error) {
	return r.findRolePermissions(ctx, store.Filter{"permissionId": permissionID})
}

func (r *Repository) findRolePermissions(ctx context.Context, filter store.Filter) ([]RolePermission, error) {
	recs, err := r.store.Find(ctx, colRolePermissions, filter)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	links := make([]RolePermission, 0, len(recs))
	for _, rec := range recs {
		var link RolePermission
		if err := json.Unmarshal(rec.Data, &link); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

// --- User roles ---

// InsertUserRole stores a new user role assignment.
func (r *Repository) InsertUserRole(ctx context.Context, assignment UserRole) error {
	data, err := json.Marshal(assignment)
	if err != nil {
		return err
	}
	if _, err := r.store.Insert(ctx, colUserRoles, assignment.ID, data); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// GetUserRole fetches an assignment by ID.
func (r *Repository) GetUserRole(ctx context.Context, id string) (UserRole, error) {
	rec, err := r.store.Get(ctx, colUserRoles, id)
	if err != nil {
		return UserRole{}, mapStoreErr(err)
	}
	var assignment UserRole
	if err := json.Unmarshal(rec.Data, &assignment); err != nil {
		return UserRole{}, err
	}
	return assignment, nil
}

// ListUserRolesByUser returns all assignments for a user.
func (r *Repository) ListUserRolesByUser(ctx context.Context, userID string) ([]UserRole, error) {
	return r.findUserRoles(ctx, store.Filter{"userId": userID})
}

// ListUserRolesByRole returns all assignments referencing a role.
func (r *Repository) ListUserRolesByRole(ctx context.Context, roleID string) ([]UserRole, error) {
	return r.findUserRoles(ctx, store.Filter{"roleId": roleID})
}

func (r *Repository) findUserRoles(ctx context.Context, filter store.Filter) ([]UserRole, error) {
	recs, err := r.store.Find(ctx, colUserRoles, filter)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	assignments := make([]UserRole, 0, len(recs))
	for _, rec := range recs {
		var assignment UserRole
		if err := json.Unmarshal(rec.Data, &assignment); err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}

// UpdateUserRole applies fn to the assignment under a conditional write.
func (r *Repository) UpdateUserRole(ctx context.Context, id string, fn func(*UserRole) error) (UserRole, error) {
	var updated UserRole
	_, err := store.Update(ctx, r.store, colUserRoles, id, r.attempts, func(rec store.Record) ([]byte, error) {
		var assignment UserRole
		if err := json.Unmarshal(rec.Data, &assignment); err != nil {
			return nil, err
		}
		if err := fn(&assignment); err != nil {
			return nil, err
		}
		updated = assignment
		return json.Marshal(assignment)
	})
	if err != nil {
		return UserRole{}, mapStoreErr(err)
	}
	return updated, nil
}

// DeleteUserRole removes an assignment.
func (r *Repository) DeleteUserRole(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, colUserRoles, id)
	if err != nil {
		return mapStoreErr(err)
	}
	if err := r.store.Delete(ctx, colUserRoles, id, rec.Revision); err != nil {
		return mapStoreErr(err)
	}
	return nil
}
