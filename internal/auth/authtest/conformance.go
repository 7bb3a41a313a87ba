package authtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devosphere.org/internal/auth"
)

// StoreFactory returns an empty store for one subtest.
type StoreFactory func(t *testing.T) auth.Store

// RunStoreSuite checks the storage contract shared by every backend.
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreateAndFindUser", func(t *testing.T) {
		ctx := context.Background()
		users := newStore(t).Users()

		created, err := users.Create(ctx, auth.NewUser{
			Name: "Alice", Email: "Alice@Example.com", PasswordHash: "hash-1", Role: auth.RoleUser, CreatedAt: base,
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, "alice@example.com", created.Email)
		assert.Equal(t, auth.RoleUser, created.Role)
		assert.Empty(t, created.Permissions)

		byEmail, err := users.FindByEmail(ctx, "ALICE@example.com")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byEmail.ID)

		creds, err := users.FindCredentials(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "hash-1", creds.PasswordHash)

		byID, err := users.FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", byID.Name)

		_, err = users.FindByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, auth.ErrNotFound)
		_, err = users.FindByID(ctx, "does-not-exist")
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		ctx := context.Background()
		users := newStore(t).Users()
		_, err := users.Create(ctx, auth.NewUser{Name: "A", Email: "dup@example.com", PasswordHash: "h", Role: auth.RoleUser, CreatedAt: base})
		require.NoError(t, err)
		_, err = users.Create(ctx, auth.NewUser{Name: "B", Email: "DUP@example.com", PasswordHash: "h", Role: auth.RoleUser, CreatedAt: base})
		assert.ErrorIs(t, err, auth.ErrDuplicateEmail)
	})

	t.Run("UpdateAndDeleteUser", func(t *testing.T) {
		ctx := context.Background()
		users := newStore(t).Users()
		a, err := users.Create(ctx, auth.NewUser{Name: "A", Email: "a@example.com", PasswordHash: "h", Role: auth.RoleUser, CreatedAt: base})
		require.NoError(t, err)
		_, err = users.Create(ctx, auth.NewUser{Name: "B", Email: "b@example.com", PasswordHash: "h", Role: auth.RoleUser, CreatedAt: base})
		require.NoError(t, err)

		name := "Anna"
		role := auth.RoleManager
		perms := []string{"reports.read", "users.read"}
		updated, err := users.UpdateByID(ctx, a.ID, auth.UserUpdate{
			Name: &name, Role: &role, Permissions: &perms, UpdatedAt: base.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, "Anna", updated.Name)
		assert.Equal(t, auth.RoleManager, updated.Role)
		assert.Equal(t, perms, updated.Permissions)

		taken := "b@example.com"
		_, err = users.UpdateByID(ctx, a.ID, auth.UserUpdate{Email: &taken, UpdatedAt: base})
		assert.ErrorIs(t, err, auth.ErrDuplicateEmail)

		_, err = users.UpdateByID(ctx, "does-not-exist", auth.UserUpdate{Name: &name, UpdatedAt: base})
		assert.ErrorIs(t, err, auth.ErrNotFound)

		deleted, err := users.DeleteByID(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = users.DeleteByID(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("ListUsersNewestFirst", func(t *testing.T) {
		ctx := context.Background()
		users := newStore(t).Users()
		for i := 0; i < 3; i++ {
			_, err := users.Create(ctx, auth.NewUser{
				Name:         fmt.Sprintf("U%d", i),
				Email:        fmt.Sprintf("u%d@example.com", i),
				PasswordHash: "h",
				Role:         auth.RoleUser,
				CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}
		list, err := users.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "u2@example.com", list[0].Email)
		assert.Equal(t, "u0@example.com", list[2].Email)
	})

	t.Run("RefreshTokenRotation", func(t *testing.T) {
		ctx := context.Background()
		tokens := newStore(t).RefreshTokens()
		now := base

		first, err := tokens.Create(ctx, auth.NewRefreshToken{
			UserID: "user-1", TokenHash: "hash-a", ExpiresAt: now.Add(time.Hour),
			Meta: auth.TokenMeta{IP: "10.0.0.1", UserAgent: "suite"}, CreatedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", first.IP)

		found, err := tokens.FindValidByHash(ctx, "hash-a", now)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		_, err = tokens.FindValidByHash(ctx, "hash-a", now.Add(2*time.Hour))
		assert.ErrorIs(t, err, auth.ErrNotFound)

		next, err := tokens.RevokeAndReplace(ctx, found, auth.NewRefreshToken{
			UserID: "user-1", TokenHash: "hash-b", ExpiresAt: now.Add(2 * time.Hour), CreatedAt: now,
		}, now)
		require.NoError(t, err)
		assert.Equal(t, "hash-b", next.TokenHash)

		_, err = tokens.FindValidByHash(ctx, "hash-a", now)
		assert.ErrorIs(t, err, auth.ErrNotFound)
		old, err := tokens.FindByHash(ctx, "hash-a")
		require.NoError(t, err)
		require.NotNil(t, old.RevokedAt)
		assert.Equal(t, "hash-b", old.ReplacedBy)

		_, err = tokens.FindValidByHash(ctx, "hash-b", now)
		require.NoError(t, err)

		_, err = tokens.RevokeAndReplace(ctx, found, auth.NewRefreshToken{
			UserID: "user-1", TokenHash: "hash-c", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
		}, now)
		assert.ErrorIs(t, err, auth.ErrRefreshReuse)
		_, err = tokens.FindValidByHash(ctx, "hash-c", now)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("ConcurrentRotationHasOneWinner", func(t *testing.T) {
		ctx := context.Background()
		tokens := newStore(t).RefreshTokens()
		now := base
		rec, err := tokens.Create(ctx, auth.NewRefreshToken{UserID: "user-1", TokenHash: "race", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
		require.NoError(t, err)

		const racers = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  int
			reuse int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := tokens.RevokeAndReplace(ctx, rec, auth.NewRefreshToken{
					UserID: "user-1", TokenHash: fmt.Sprintf("race-%d", i), ExpiresAt: now.Add(time.Hour), CreatedAt: now,
				}, now)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, auth.ErrRefreshReuse):
					reuse++
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, reuse)

		valid := 0
		for i := 0; i < racers; i++ {
			if _, err := tokens.FindValidByHash(ctx, fmt.Sprintf("race-%d", i), now); err == nil {
				valid++
			}
		}
		assert.Equal(t, 1, valid, "exactly one successor must stay usable")
	})

	t.Run("RevokeIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		tokens := newStore(t).RefreshTokens()
		now := base
		_, err := tokens.Create(ctx, auth.NewRefreshToken{UserID: "user-1", TokenHash: "r1", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
		require.NoError(t, err)

		require.NoError(t, tokens.RevokeByHash(ctx, "r1", now))
		require.NoError(t, tokens.RevokeByHash(ctx, "r1", now.Add(time.Minute)))
		require.NoError(t, tokens.RevokeByHash(ctx, "unknown", now))

		rec, err := tokens.FindByHash(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, rec.RevokedAt)
		assert.WithinDuration(t, now, *rec.RevokedAt, time.Second, "second revoke must not move revokedAt")
	})

	t.Run("RevokeAllAndPrune", func(t *testing.T) {
		ctx := context.Background()
		tokens := newStore(t).RefreshTokens()
		now := base
		for i, exp := range []time.Duration{time.Hour, time.Hour, -time.Hour} {
			_, err := tokens.Create(ctx, auth.NewRefreshToken{
				UserID: "owner", TokenHash: fmt.Sprintf("o%d", i), ExpiresAt: now.Add(exp), CreatedAt: now.Add(-2 * time.Hour),
			})
			require.NoError(t, err)
		}
		_, err := tokens.Create(ctx, auth.NewRefreshToken{UserID: "other", TokenHash: "x", ExpiresAt: now.Add(time.Hour), CreatedAt: now})
		require.NoError(t, err)
		_, err = tokens.Create(ctx, auth.NewRefreshToken{UserID: "other", TokenHash: "lapsed", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)})
		require.NoError(t, err)

		n, err := tokens.RevokeAllForUser(ctx, "owner", now)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
		_, err = tokens.FindValidByHash(ctx, "x", now)
		require.NoError(t, err)

		pruned, err := tokens.PruneExpired(ctx, now)
		require.NoError(t, err)
		assert.EqualValues(t, 1, pruned)
		_, err = tokens.FindByHash(ctx, "o2")
		assert.ErrorIs(t, err, auth.ErrNotFound)
		_, err = tokens.FindByHash(ctx, "o0")
		require.NoError(t, err)
		_, err = tokens.FindByHash(ctx, "lapsed")
		require.NoError(t, err, "expired but unrevoked records stay")
	})

	t.Run("PermissionCatalog", func(t *testing.T) {
		ctx := context.Background()
		catalog := newStore(t).Permissions()
		for _, key := range []string{"users.write", "audit.read", "users.read"} {
			_, err := catalog.Create(ctx, auth.PermissionEntry{Key: key, Label: key, CreatedAt: base})
			require.NoError(t, err)
		}
		_, err := catalog.Create(ctx, auth.PermissionEntry{Key: "users.read", Label: "again", CreatedAt: base})
		assert.ErrorIs(t, err, auth.ErrDuplicateKey)

		list, err := catalog.List(ctx)
		require.NoError(t, err)
		keys := make([]string, 0, len(list))
		for _, e := range list {
			keys = append(keys, e.Key)
		}
		assert.Equal(t, []string{"audit.read", "users.read", "users.write"}, keys)

		removed, err := catalog.RemoveByKey(ctx, "audit.read")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = catalog.RemoveByKey(ctx, "audit.read")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}
