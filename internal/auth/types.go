package auth

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is the coarse access level carried by every account.
type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Roles lists every role the authority knows about.
var Roles = []Role{RoleUser, RoleManager, RoleAdmin}

// ParseRole normalizes s into a known role. An empty string yields RoleUser.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RoleUser, nil
	}
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// User is the public projection of an account. It never carries the password hash.
type User struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credentials is an account together with its stored password hash. Only the
// login path ever sees it.
type Credentials struct {
	User
	PasswordHash string
}

// NewUser holds the fields required to persist a new account.
type NewUser struct {
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Permissions  []string
	CreatedAt    time.Time
}

// UserUpdate lists the mutable account fields; nil means unchanged.
type UserUpdate struct {
	Name         *string
	Email        *string
	PasswordHash *string
	Role         *Role
	Permissions  *[]string
	UpdatedAt    time.Time
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Name == nil && u.Email == nil && u.PasswordHash == nil && u.Role == nil && u.Permissions == nil
}

// TokenMeta is informational issuance metadata recorded with a refresh token.
type TokenMeta struct {
	IP        string
	UserAgent string
}

// RefreshToken is the persisted record of an issued refresh secret. Only the
// digest of the secret is stored.
type RefreshToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}

// Revoked reports whether the record has been revoked.
func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Valid reports whether the record is unrevoked and unexpired at now.
func (t RefreshToken) Valid(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// NewRefreshToken holds the fields required to persist a refresh token.
type NewRefreshToken struct {
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Meta      TokenMeta
	CreatedAt time.Time
}

// PermissionEntry is one key of the permission catalog.
type PermissionEntry struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Identity is the per-request snapshot the access-control gates operate on.
type Identity struct {
	ID          string
	Email       string
	Name        string
	Role        Role
	Permissions map[string]struct{}
}

// IdentityFromUser builds a gate snapshot from a stored account.
func IdentityFromUser(u User) Identity {
	perms := make(map[string]struct{}, len(u.Permissions))
	for _, p := range u.Permissions {
		perms[p] = struct{}{}
	}
	return Identity{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, Permissions: perms}
}

// PermissionList returns the identity's permissions in sorted order.
func (i Identity) PermissionList() []string {
	out := make([]string, 0, len(i.Permissions))
	for p := range i.Permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePermissionKeys trims, lower-cases, de-duplicates and sorts keys,
// dropping empty ones.
func NormalizePermissionKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
