package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/caixahub/caixahub/internal/platform/store"
)

func newTestCache(t *testing.T) *PermissionCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPermissionCache(client, time.Minute, nil)
}

func TestPermissionCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	_, ok := cache.Get(ctx, "u1", ContextCaixinha, "C1")
	require.False(t, ok)

	cache.Set(ctx, "u1", ContextCaixinha, "C1", map[string]struct{}{"caixinha:view": {}})
	set, ok := cache.Get(ctx, "u1", ContextCaixinha, "C1")
	require.True(t, ok)
	require.Contains(t, set, "caixinha:view")

	cache.Invalidate(ctx, "u1")
	_, ok = cache.Get(ctx, "u1", ContextCaixinha, "C1")
	require.False(t, ok)
}

func TestCacheInvalidatedOnUserRoleMutation(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMemory(), 3)
	cache := newTestCache(t)
	svc := NewService(repo, cache, nil, []string{"caixinha:approve_loans"})

	assignment := grantPermission(t, svc, "u1", "caixinha:view", RoleContext{Type: ContextCaixinha, ResourceID: "C1"}, true)

	granted, err := svc.HasPermission(ctx, "u1", "caixinha:view", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.True(t, granted)

	// Revocation must invalidate the cached grant.
	require.NoError(t, svc.RevokeUserRole(ctx, assignment.ID))
	granted, err = svc.HasPermission(ctx, "u1", "caixinha:view", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.False(t, granted)
}

func TestSensitiveCheckBypassesCache(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(store.NewMemory(), 3)
	cache := newTestCache(t)
	svc := NewService(repo, cache, nil, []string{"caixinha:approve_loans"})

	grantPermission(t, svc, "u1", "caixinha:approve_loans", RoleContext{Type: ContextCaixinha, ResourceID: "C1"}, true)

	granted, err := svc.HasPermission(ctx, "u1", "caixinha:approve_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.True(t, granted)

	// Poison the cache with a grant; the sensitive check must still
	// read through to the store after the assignment disappears.
	cache.Set(ctx, "u1", ContextCaixinha, "C1", map[string]struct{}{"caixinha:approve_loans": {}})
	assignments, err := repo.ListUserRolesByUser(ctx, "u1")
	require.NoError(t, err)
	for _, a := range assignments {
		require.NoError(t, repo.DeleteUserRole(ctx, a.ID))
	}

	granted, err = svc.HasPermission(ctx, "u1", "caixinha:approve_loans", ContextCaixinha, "C1")
	require.NoError(t, err)
	require.False(t, granted)
}
