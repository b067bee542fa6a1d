package sched

import (
	"context"
	"testing"
	"time"

	"chat-insights-batch/internal/domain"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/domain/ports/repository"
	"chat-insights-batch/internal/infra/db/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantCache_TTLAndInvalidate(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	require.NoError(t, store.Tenants().Save(ctx, repository.NoTX, &model.Tenant{ID: "a", Name: "a", Status: model.TenantActive}))

	cache := NewTenantCache(store.Tenants(), time.Minute, clock)
	ids, err := cache.ActiveIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	require.NoError(t, store.Tenants().Save(ctx, repository.NoTX, &model.Tenant{ID: "b", Name: "b", Status: model.TenantActive}))
	ids, _ = cache.ActiveIDs(ctx)
	assert.Len(t, ids, 1, "served from cache within the TTL")

	now = now.Add(time.Minute)
	ids, _ = cache.ActiveIDs(ctx)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Tenants().SetStatus(ctx, repository.NoTX, "a", model.TenantSuspended))
	cache.Invalidate("remote")
	ids, _ = cache.ActiveIDs(ctx)
	assert.Equal(t, []string{"b"}, ids)

	// callers get a copy
	ids[0] = "mutated"
	again, _ := cache.ActiveIDs(ctx)
	assert.Equal(t, []string{"b"}, again)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	tok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, l.Unlock(ctx, "k", "someone-else"))
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "a foreign token must not release the lock")

	require.NoError(t, l.Unlock(ctx, "k", tok))
	tok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	now = now.Add(2 * time.Minute)
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.NoError(t, err, "expired lease can be taken over")
}
