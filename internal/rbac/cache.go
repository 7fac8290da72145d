package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// PermissionCache memoizes effective permission sets per
// (user, context type, resource) with a bounded TTL. Entries are
// explicitly invalidated whenever a UserRole mutates; the cache is
// never consulted for monetarily sensitive checks.
type PermissionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewPermissionCache constructs a PermissionCache.
func NewPermissionCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *PermissionCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PermissionCache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(userID string, ctxType ContextType, resourceID string) string {
	return fmt.Sprintf("rbac:perms:%s:%s:%s", userID, ctxType, resourceID)
}

// Get returns the cached permission set. A miss or any redis failure
// returns ok=false so the caller recomputes from the store.
func (c *PermissionCache) Get(ctx context.Context, userID string, ctxType ContextType, resourceID string) (map[string]struct{}, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKey(userID, ctxType, resourceID)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("permission cache get", slog.Any("error", err))
		}
		return nil, false
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, false
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set, true
}

// Set stores the permission set. Failures are logged, never surfaced.
func (c *PermissionCache) Set(ctx context.Context, userID string, ctxType ContextType, resourceID string, perms map[string]struct{}) {
	if c == nil || c.client == nil {
		return
	}
	names := make([]string, 0, len(perms))
	for name := range perms {
		names = append(names, name)
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(userID, ctxType, resourceID), raw, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("permission cache set", slog.Any("error", err))
	}
}

// Invalidate drops every cached context for a user.
func (c *PermissionCache) Invalidate(ctx context.Context, userID string) {
	if c == nil || c.client == nil {
		return
	}
	pattern := fmt.Sprintf("rbac:perms:%s:*", userID)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil && c.logger != nil {
			c.logger.Warn("permission cache invalidate", slog.Any("error", err))
		}
	}
	if err := iter.Err(); err != nil && c.logger != nil {
		c.logger.Warn("permission cache scan", slog.Any("error", err))
	}
}
