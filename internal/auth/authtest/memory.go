// Package authtest provides an in-memory auth.Store and a conformance suite
// that every storage backend must pass.
package authtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/ids"
)

// MemoryStore is a goroutine-safe auth.Store backed by maps.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]auth.Credentials
	tokens  map[string]auth.RefreshToken
	catalog map[string]auth.PermissionEntry

	// Fail, when set, is returned by every operation.
	Fail error
}

var _ auth.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   map[string]auth.Credentials{},
		tokens:  map[string]auth.RefreshToken{},
		catalog: map[string]auth.PermissionEntry{},
	}
}

func (s *MemoryStore) Users() auth.CredentialStore           { return memUsers{s} }
func (s *MemoryStore) RefreshTokens() auth.RefreshTokenStore { return memTokens{s} }
func (s *MemoryStore) Permissions() auth.PermissionCatalog   { return memCatalog{s} }

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx)
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// Tokens returns a copy of every refresh token record.
func (s *MemoryStore) Tokens() []auth.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.RefreshToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PasswordHash returns the stored hash for an email.
func (s *MemoryStore) PasswordHash(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == auth.NormalizeEmail(email) {
			return u.PasswordHash
		}
	}
	return ""
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.Fail != nil {
		return auth.StoreError("memory", s.Fail)
	}
	if err := ctx.Err(); err != nil {
		return auth.StoreError("memory", err)
	}
	return nil
}

type memUsers struct{ s *MemoryStore }

func (m memUsers) Create(ctx context.Context, nu auth.NewUser) (auth.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.User{}, err
	}
	email := auth.NormalizeEmail(nu.Email)
	for _, u := range m.s.users {
		if u.Email == email {
			return auth.User{}, auth.ErrDuplicateEmail
		}
	}
	role := nu.Role
	if role == "" {
		role = auth.RoleUser
	}
	created := nu.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	u := auth.Credentials{
		User: auth.User{
			ID:          ids.NewAt(created),
			Name:        nu.Name,
			Email:       email,
			Role:        role,
			Permissions: auth.NormalizePermissionKeys(nu.Permissions),
			CreatedAt:   created,
			UpdatedAt:   created,
		},
		PasswordHash: nu.PasswordHash,
	}
	m.s.users[u.ID] = u
	return cloneUser(u.User), nil
}

func (m memUsers) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	c, err := m.FindCredentials(ctx, email)
	if err != nil {
		return auth.User{}, err
	}
	return c.User, nil
}

func (m memUsers) FindCredentials(ctx context.Context, email string) (auth.Credentials, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.Credentials{}, err
	}
	email = auth.NormalizeEmail(email)
	for _, u := range m.s.users {
		if u.Email == email {
			return auth.Credentials{User: cloneUser(u.User), PasswordHash: u.PasswordHash}, nil
		}
	}
	return auth.Credentials{}, auth.ErrNotFound
}

func (m memUsers) FindByID(ctx context.Context, id string) (auth.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.User{}, err
	}
	u, ok := m.s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return cloneUser(u.User), nil
}

func (m memUsers) UpdateByID(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.User{}, err
	}
	u, ok := m.s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	if upd.Email != nil {
		email := auth.NormalizeEmail(*upd.Email)
		for otherID, other := range m.s.users {
			if otherID != id && other.Email == email {
				return auth.User{}, auth.ErrDuplicateEmail
			}
		}
		u.Email = email
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Permissions != nil {
		u.Permissions = auth.NormalizePermissionKeys(*upd.Permissions)
	}
	if !upd.Empty() {
		u.UpdatedAt = upd.UpdatedAt
		if u.UpdatedAt.IsZero() {
			u.UpdatedAt = time.Now().UTC()
		}
	}
	m.s.users[id] = u
	return cloneUser(u.User), nil
}

func (m memUsers) DeleteByID(ctx context.Context, id string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return false, err
	}
	if _, ok := m.s.users[id]; !ok {
		return false, nil
	}
	delete(m.s.users, id)
	return true, nil
}

func (m memUsers) List(ctx context.Context) ([]auth.User, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]auth.User, 0, len(m.s.users))
	for _, u := range m.s.users {
		out = append(out, cloneUser(u.User))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

type memTokens struct{ s *MemoryStore }

func (m memTokens) Create(ctx context.Context, nt auth.NewRefreshToken) (auth.RefreshToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.RefreshToken{}, err
	}
	return m.insert(nt), nil
}

func (m memTokens) insert(nt auth.NewRefreshToken) auth.RefreshToken {
	created := nt.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	t := auth.RefreshToken{
		ID:        ids.NewAt(created),
		UserID:    nt.UserID,
		TokenHash: nt.TokenHash,
		ExpiresAt: nt.ExpiresAt,
		IP:        nt.Meta.IP,
		UserAgent: nt.Meta.UserAgent,
		CreatedAt: created,
	}
	m.s.tokens[t.ID] = t
	return t
}

func (m memTokens) FindValidByHash(ctx context.Context, hash string, now time.Time) (auth.RefreshToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.RefreshToken{}, err
	}
	for _, t := range m.s.tokens {
		if t.TokenHash == hash && t.Valid(now) {
			return t, nil
		}
	}
	return auth.RefreshToken{}, auth.ErrNotFound
}

func (m memTokens) FindByHash(ctx context.Context, hash string) (auth.RefreshToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.RefreshToken{}, err
	}
	for _, t := range m.s.tokens {
		if t.TokenHash == hash {
			return t, nil
		}
	}
	return auth.RefreshToken{}, auth.ErrNotFound
}

func (m memTokens) RevokeAndReplace(ctx context.Context, old auth.RefreshToken, next auth.NewRefreshToken, now time.Time) (auth.RefreshToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.RefreshToken{}, err
	}
	cur, ok := m.s.tokens[old.ID]
	if !ok || cur.Revoked() {
		return auth.RefreshToken{}, auth.ErrRefreshReuse
	}
	revokedAt := now
	cur.RevokedAt = &revokedAt
	cur.ReplacedBy = next.TokenHash
	m.s.tokens[cur.ID] = cur
	return m.insert(next), nil
}

func (m memTokens) RevokeByHash(ctx context.Context, hash string, now time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return err
	}
	for id, t := range m.s.tokens {
		if t.TokenHash == hash && !t.Revoked() {
			revokedAt := now
			t.RevokedAt = &revokedAt
			m.s.tokens[id] = t
		}
	}
	return nil
}

func (m memTokens) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range m.s.tokens {
		if t.UserID == userID && !t.Revoked() {
			revokedAt := now
			t.RevokedAt = &revokedAt
			m.s.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (m memTokens) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range m.s.tokens {
		if t.ExpiresAt.Before(before) && t.Revoked() {
			delete(m.s.tokens, id)
			n++
		}
	}
	return n, nil
}

type memCatalog struct{ s *MemoryStore }

func (m memCatalog) Create(ctx context.Context, e auth.PermissionEntry) (auth.PermissionEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return auth.PermissionEntry{}, err
	}
	e.Key = strings.ToLower(strings.TrimSpace(e.Key))
	if _, ok := m.s.catalog[e.Key]; ok {
		return auth.PermissionEntry{}, auth.ErrDuplicateKey
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.s.catalog[e.Key] = e
	return e, nil
}

func (m memCatalog) List(ctx context.Context) ([]auth.PermissionEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]auth.PermissionEntry, 0, len(m.s.catalog))
	for _, e := range m.s.catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m memCatalog) RemoveByKey(ctx context.Context, key string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.check(ctx); err != nil {
		return false, err
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := m.s.catalog[key]; !ok {
		return false, nil
	}
	delete(m.s.catalog, key)
	return true, nil
}

func cloneUser(u auth.User) auth.User {
	u.Permissions = append([]string{}, u.Permissions...)
	return u
}
