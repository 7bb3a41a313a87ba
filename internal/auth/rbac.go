package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var permissionKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._:-]{0,127}$`)

// UpdateUserInput carries the account fields an administrator may change.
// Nil fields stay untouched.
type UpdateUserInput struct {
	Name     *string
	Email    *string
	Password *string
	Role     *string
}

// ListUsers returns every account, newest first.
func (e *Engine) ListUsers(ctx context.Context) ([]User, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	users, err := e.store.Users().List(ctx)
	if err != nil {
		return nil, e.storeFailure("list users", err)
	}
	return users, nil
}

// GetUser returns a single account.
func (e *Engine) GetUser(ctx context.Context, id string) (User, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	user, err := e.store.Users().FindByID(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, e.storeFailure("get user", err)
	}
	return user, nil
}

// UpdateUser validates and applies an account change. A new password goes
// through the same strength policy and hashing as registration. Changing the
// password or email revokes every refresh token issued before the change.
func (e *Engine) UpdateUser(ctx context.Context, id string, in UpdateUserInput) (_ User, err error) {
	defer func() { e.observe("update_user", err) }()

	upd := UserUpdate{UpdatedAt: e.now().UTC()}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return User{}, fmt.Errorf("%w: name is required", ErrValidation)
		}
		upd.Name = &name
	}
	if in.Email != nil {
		email := NormalizeEmail(*in.Email)
		if err := e.checkEmail(email); err != nil {
			return User{}, err
		}
		upd.Email = &email
	}
	if in.Role != nil {
		if strings.TrimSpace(*in.Role) == "" {
			return User{}, fmt.Errorf("%w: role is required", ErrValidation)
		}
		role, err := ParseRole(*in.Role)
		if err != nil {
			return User{}, err
		}
		upd.Role = &role
	}
	if in.Password != nil {
		if err := CheckPasswordStrength(*in.Password); err != nil {
			return User{}, err
		}
		hash, err := HashPassword(*in.Password, e.bcryptCost)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		upd.PasswordHash = &hash
	}
	if upd.Empty() {
		return e.GetUser(ctx, id)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	user, err := e.store.Users().UpdateByID(sctx, strings.TrimSpace(id), upd)
	switch {
	case errors.Is(err, ErrNotFound):
		return User{}, ErrNotFound
	case errors.Is(err, ErrDuplicateEmail):
		return User{}, ErrDuplicateEmail
	case err != nil:
		return User{}, e.storeFailure("update user", err)
	}

	if upd.PasswordHash != nil || upd.Email != nil {
		sctx, cancel := e.storeCtx(ctx)
		revoked, err := e.store.RefreshTokens().RevokeAllForUser(sctx, user.ID, upd.UpdatedAt)
		cancel()
		if err != nil {
			return User{}, e.storeFailure("revoke sessions after credential change", err)
		}
		e.log.WithField("user_id", user.ID).WithField("revoked_tokens", revoked).Info("credentials changed")
	}
	return user, nil
}

// SetUserPermissions replaces the permission set of an account. Every key
// must exist in the catalog unless the account already holds it.
func (e *Engine) SetUserPermissions(ctx context.Context, id string, keys []string) (_ User, err error) {
	defer func() { e.observe("set_permissions", err) }()

	keys = NormalizePermissionKeys(keys)
	current, err := e.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	catalog, err := e.ListPermissions(ctx)
	if err != nil {
		return User{}, err
	}
	known := make(map[string]struct{}, len(catalog)+len(current.Permissions))
	for _, entry := range catalog {
		known[entry.Key] = struct{}{}
	}
	for _, p := range current.Permissions {
		known[p] = struct{}{}
	}
	var unknown []string
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return User{}, fmt.Errorf("%w: unknown permission keys: %s", ErrValidation, strings.Join(unknown, ", "))
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	user, err := e.store.Users().UpdateByID(sctx, current.ID, UserUpdate{Permissions: &keys, UpdatedAt: e.now().UTC()})
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, e.storeFailure("set permissions", err)
	}
	return user, nil
}

// DeleteUser revokes every refresh token of the account and then deletes it.
func (e *Engine) DeleteUser(ctx context.Context, id string) (err error) {
	defer func() { e.observe("delete_user", err) }()

	id = strings.TrimSpace(id)
	if _, err := e.GetUser(ctx, id); err != nil {
		return err
	}
	now := e.now().UTC()

	sctx, cancel := e.storeCtx(ctx)
	revoked, err := e.store.RefreshTokens().RevokeAllForUser(sctx, id, now)
	cancel()
	if err != nil {
		return e.storeFailure("delete user", err)
	}

	sctx, cancel = e.storeCtx(ctx)
	deleted, err := e.store.Users().DeleteByID(sctx, id)
	cancel()
	if err != nil {
		return e.storeFailure("delete user", err)
	}
	if !deleted {
		return ErrNotFound
	}
	e.log.WithField("user_id", id).WithField("revoked_tokens", revoked).Info("user deleted")
	return nil
}

// CreatePermission adds a key to the catalog.
func (e *Engine) CreatePermission(ctx context.Context, key, label, description string) (_ PermissionEntry, err error) {
	defer func() { e.observe("create_permission", err) }()

	key = strings.ToLower(strings.TrimSpace(key))
	label = strings.TrimSpace(label)
	if !permissionKeyPattern.MatchString(key) {
		return PermissionEntry{}, fmt.Errorf("%w: permission key %q is malformed", ErrValidation, key)
	}
	if label == "" {
		return PermissionEntry{}, fmt.Errorf("%w: label is required", ErrValidation)
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	entry, err := e.store.Permissions().Create(ctx, PermissionEntry{
		Key:         key,
		Label:       label,
		Description: strings.TrimSpace(description),
		CreatedAt:   e.now().UTC(),
	})
	if errors.Is(err, ErrDuplicateKey) {
		return PermissionEntry{}, ErrDuplicateKey
	}
	if err != nil {
		return PermissionEntry{}, e.storeFailure("create permission", err)
	}
	return entry, nil
}

// ListPermissions returns the catalog sorted by key.
func (e *Engine) ListPermissions(ctx context.Context) ([]PermissionEntry, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	entries, err := e.store.Permissions().List(ctx)
	if err != nil {
		return nil, e.storeFailure("list permissions", err)
	}
	return entries, nil
}

// RemovePermission deletes a catalog key. Accounts holding it keep it.
func (e *Engine) RemovePermission(ctx context.Context, key string) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	removed, err := e.store.Permissions().RemoveByKey(ctx, strings.ToLower(strings.TrimSpace(key)))
	if err != nil {
		return e.storeFailure("remove permission", err)
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// EnsureBuiltinPermissions seeds BuiltinPermissions into the catalog.
func (e *Engine) EnsureBuiltinPermissions(ctx context.Context) error {
	existing, err := e.ListPermissions(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		have[entry.Key] = struct{}{}
	}
	for _, p := range BuiltinPermissions {
		if _, ok := have[p.Key]; ok {
			continue
		}
		if _, err := e.CreatePermission(ctx, p.Key, p.Label, p.Description); err != nil && !errors.Is(err, ErrDuplicateKey) {
			return err
		}
	}
	return nil
}

// PruneRefreshTokens removes refresh token records that expired more than
// retain ago.
func (e *Engine) PruneRefreshTokens(ctx context.Context, retain time.Duration) (int64, error) {
	if retain < 0 {
		return 0, fmt.Errorf("%w: retention must not be negative", ErrValidation)
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.RefreshTokens().PruneExpired(ctx, e.now().UTC().Add(-retain))
	if err != nil {
		return 0, e.storeFailure("prune refresh tokens", err)
	}
	return n, nil
}
