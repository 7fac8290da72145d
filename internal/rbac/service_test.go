package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caixahub/caixahub/internal/platform/store"
	"github.com/caixahub/caixahub/internal/shared"
)

func newTestService(t *testing.T) (*Service, *Repository) {
	t.Helper()
	repo := NewRepository(store.NewMemory(), 3)
	svc := NewService(repo, nil, nil, []string{"caixinha:approve_loans", "caixinha:disburse_funds"})
	return svc, repo
}

func grantPermission(t *testing.T, svc *Service, userID, permName string, roleCtx RoleContext, validated bool) UserRole {
	t.Helper()
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, "role-for-"+permName+"-"+userID, "", false)
	require.NoError(t, err)
	perm, err := svc.CreatePermission(ctx, permName, "")
	if err != nil {
		// Permission may already exist from a previous grant.
		perm, err = svc.repo.FindPermissionByName(ctx, permName)
		require.NoError(t, err)
	}
	require.NoError(t, svc.AttachPermission(ctx, role.ID, perm.ID))
	assignment, err := svc.AssignRole(ctx, AssignRoleInput{UserID: userID, RoleID: role.ID, Context: roleCtx})
	require.NoError(t, err)
	if validated {
		assignment, err = svc.ValidateUserRole(ctx, assignment.ID, nil)
		require.NoError(t, err)
	}
	return assignment
}

func TestHasPermissionNoAssignments(t *testing.T) {
	// Scenario: user with no UserRole records is simply unauthorized.
	svc, _ := newTestService(t)
	granted, err := svc.HasPermission(context.Background(), "u1", "caixinha:manage_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.False(t, granted)
}

func TestHasPermissionScopedAssignment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grantPermission(t, svc, "u1", "caixinha:manage_loans", RoleContext{Type: ContextCaixinha, ResourceID: "C1"}, true)

	granted, err := svc.HasPermission(ctx, "u1", "caixinha:manage_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.True(t, granted)

	// Same capability in a different caixinha is denied.
	granted, err = svc.HasPermission(ctx, "u1", "caixinha:manage_loans", ContextCaixinha, "C2")
	require.NoError(t, err)
	require.False(t, granted)
}

func TestHasPermissionGlobalFallback(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grantPermission(t, svc, "admin", "caixinha:manage_loans", RoleContext{Type: ContextGlobal}, true)

	// A caixinha-scoped request also matches global assignments.
	granted, err := svc.HasPermission(ctx, "admin", "caixinha:manage_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.True(t, granted)
}

func TestPendingAssignmentConfersNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grantPermission(t, svc, "u1", "caixinha:approve_loans", RoleContext{Type: ContextCaixinha, ResourceID: "C1"}, false)

	granted, err := svc.HasPermission(ctx, "u1", "caixinha:approve_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.False(t, granted)
}

func TestExpiredAssignmentConfersNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	assignment := grantPermission(t, svc, "u1", "caixinha:manage_loans", RoleContext{Type: ContextCaixinha, ResourceID: "C1"}, true)

	past := time.Now().Add(-time.Hour)
	_, err := svc.repo.UpdateUserRole(ctx, assignment.ID, func(a *UserRole) error {
		a.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	granted, err := svc.HasPermission(ctx, "u1", "caixinha:manage_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.False(t, granted)
}

func TestContextResourceIDInvariant(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, "member", "", false)
	require.NoError(t, err)

	_, err = svc.AssignRole(ctx, AssignRoleInput{
		UserID:  "u1",
		RoleID:  role.ID,
		Context: RoleContext{Type: ContextCaixinha},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRoleNameUniqueness(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateRole(ctx, "gestor", "", false)
	require.NoError(t, err)
	_, err = svc.CreateRole(ctx, "gestor", "other", false)
	require.ErrorIs(t, err, shared.ErrConflict)
}

// Two racing creates of the same name must end with one role; the name
// claim record makes uniqueness part of the insert itself.
func TestRoleNameRaceYieldsOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateRole(ctx, "gestor", "", false)
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, shared.ErrConflict)
			conflict++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflict)

	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	named := 0
	for _, role := range roles {
		if role.Name == "gestor" {
			named++
		}
	}
	require.Equal(t, 1, named)
}

func TestDeleteRoleFreesName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "tesoureiro", "", false)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteRole(ctx, role.ID))

	_, err = svc.CreateRole(ctx, "tesoureiro", "", false)
	require.NoError(t, err)
}

func TestPermissionNameShape(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreatePermission(context.Background(), "no-colon", "")
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDeleteRoleInUse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "member", "", false)
	require.NoError(t, err)
	perm, err := svc.CreatePermission(ctx, "caixinha:view", "")
	require.NoError(t, err)
	require.NoError(t, svc.AttachPermission(ctx, role.ID, perm.ID))

	require.ErrorIs(t, svc.DeleteRole(ctx, role.ID), shared.ErrConflict)
	require.ErrorIs(t, svc.DeletePermission(ctx, perm.ID), shared.ErrConflict)

	require.NoError(t, svc.DetachPermission(ctx, role.ID, perm.ID))
	require.NoError(t, svc.DeletePermission(ctx, perm.ID))

	// Live assignment still blocks role deletion.
	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: role.ID, Context: RoleContext{Type: ContextGlobal}})
	require.NoError(t, err)
	require.ErrorIs(t, svc.DeleteRole(ctx, role.ID), shared.ErrConflict)
}

func TestAttachPermissionDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, "member", "", false)
	require.NoError(t, err)
	perm, err := svc.CreatePermission(ctx, "caixinha:view", "")
	require.NoError(t, err)
	require.NoError(t, svc.AttachPermission(ctx, role.ID, perm.ID))
	require.ErrorIs(t, svc.AttachPermission(ctx, role.ID, perm.ID), shared.ErrConflict)
}

func TestValidateUserRoleLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, "gestor", "", false)
	require.NoError(t, err)
	assignment, err := svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: role.ID, Context: RoleContext{Type: ContextCaixinha, ResourceID: "C1"}})
	require.NoError(t, err)
	require.Equal(t, ValidationPending, assignment.ValidationStatus)

	validated, err := svc.ValidateUserRole(ctx, assignment.ID, nil)
	require.NoError(t, err)
	require.Equal(t, ValidationValidated, validated.ValidationStatus)

	// Validation transitions apply once.
	_, err = svc.ValidateUserRole(ctx, assignment.ID, nil)
	require.ErrorIs(t, err, shared.ErrConflict)
	_, err = svc.RejectUserRole(ctx, assignment.ID, "late")
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestHasRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, "caixinhaManager", "", false)
	require.NoError(t, err)
	assignment, err := svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: role.ID, Context: RoleContext{Type: ContextCaixinha, ResourceID: "C1"}})
	require.NoError(t, err)
	_, err = svc.ValidateUserRole(ctx, assignment.ID, nil)
	require.NoError(t, err)

	has, err := svc.HasRole(ctx, "u1", "caixinhaManager", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.True(t, has)

	has, err = svc.HasRole(ctx, "u1", "caixinhaManager", ContextCaixinha, "C2")
	require.NoError(t, err)
	require.False(t, has)

	has, err = svc.HasRole(ctx, "u1", "unknownRole", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestRevokeContextRoles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	role, err := svc.CreateRole(ctx, "member", "", false)
	require.NoError(t, err)
	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: role.ID, Context: RoleContext{Type: ContextCaixinha, ResourceID: "C1"}})
	require.NoError(t, err)
	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: role.ID, Context: RoleContext{Type: ContextCaixinha, ResourceID: "C2"}})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeContextRoles(ctx, "u1", ContextCaixinha, "C1"))

	remaining, err := svc.GetUserRoles(ctx, "u1", "", "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "C2", remaining[0].Context.ResourceID)
}
