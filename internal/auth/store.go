package auth

import (
	"context"
	"time"
)

// CredentialStore persists accounts. Emails are unique case-insensitively.
type CredentialStore interface {
	Create(ctx context.Context, u NewUser) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	// FindCredentials returns the account including its password hash.
	FindCredentials(ctx context.Context, email string) (Credentials, error)
	FindByID(ctx context.Context, id string) (User, error)
	UpdateByID(ctx context.Context, id string, upd UserUpdate) (User, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	// List returns accounts newest first.
	List(ctx context.Context) ([]User, error)
}

// RefreshTokenStore persists refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, t NewRefreshToken) (RefreshToken, error)
	// FindValidByHash matches only records that are unrevoked and unexpired at now.
	FindValidByHash(ctx context.Context, hash string, now time.Time) (RefreshToken, error)
	// FindByHash matches a record in any state.
	FindByHash(ctx context.Context, hash string) (RefreshToken, error)
	// RevokeAndReplace revokes old, links it to next and persists next as one
	// atomic step. It returns ErrRefreshReuse and persists nothing when old was
	// already revoked.
	RevokeAndReplace(ctx context.Context, old RefreshToken, next NewRefreshToken, now time.Time) (RefreshToken, error)
	// RevokeByHash revokes an unrevoked record. Unknown or revoked hashes are a no-op.
	RevokeByHash(ctx context.Context, hash string, now time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	// PruneExpired deletes records that expired before the cut-off.
	PruneExpired(ctx context.Context, before time.Time) (int64, error)
}

// PermissionCatalog persists the vocabulary of assignable permission keys.
type PermissionCatalog interface {
	Create(ctx context.Context, e PermissionEntry) (PermissionEntry, error)
	// List returns entries sorted by key.
	List(ctx context.Context) ([]PermissionEntry, error)
	RemoveByKey(ctx context.Context, key string) (bool, error)
}

// Store aggregates the persistence capabilities the engine needs. Both the
// relational and the document backend implement it.
type Store interface {
	Users() CredentialStore
	RefreshTokens() RefreshTokenStore
	Permissions() PermissionCatalog
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
