package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/ids"
)

const tokenColumns = `id, user_id, token_hash, expires_at, revoked_at, coalesce(replaced_by, ''), coalesce(ip, ''), coalesce(user_agent, ''), created_at`

type tokenStore struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanToken(row rowScanner) (auth.RefreshToken, error) {
	var (
		t       auth.RefreshToken
		revoked sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &revoked, &t.ReplacedBy, &t.IP, &t.UserAgent, &t.CreatedAt); err != nil {
		return auth.RefreshToken{}, err
	}
	if revoked.Valid {
		at := revoked.Time
		t.RevokedAt = &at
	}
	return t, nil
}

func insertToken(ctx context.Context, db execer, nt auth.NewRefreshToken) (auth.RefreshToken, error) {
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
	_, err := db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, nullIfEmpty(t.IP), nullIfEmpty(t.UserAgent), t.CreatedAt)
	if err != nil {
		return auth.RefreshToken{}, err
	}
	return t, nil
}

func (s *tokenStore) Create(ctx context.Context, nt auth.NewRefreshToken) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errUnavailable("insert refresh token")
	}
	t, err := insertToken(ctx, s.db, nt)
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("insert refresh token", err)
	}
	return t, nil
}

func (s *tokenStore) FindValidByHash(ctx context.Context, hash string, now time.Time) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errUnavailable("find refresh token")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+tokenColumns+`
		from refresh_tokens
		where token_hash = $1 and revoked_at is null and expires_at > $2
		order by created_at desc
		limit 1
	`, hash, now)
	return s.scanOne(row)
}

func (s *tokenStore) FindByHash(ctx context.Context, hash string) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errUnavailable("find refresh token")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+tokenColumns+`
		from refresh_tokens
		where token_hash = $1
		order by created_at desc
		limit 1
	`, hash)
	return s.scanOne(row)
}

func (s *tokenStore) scanOne(row *sql.Row) (auth.RefreshToken, error) {
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("find refresh token", err)
	}
	return t, nil
}

// RevokeAndReplace claims the old row with a conditional update and inserts
// the successor in the same transaction. The update takes the row lock, so a
// concurrent claimer blocks until commit and then matches zero rows.
func (s *tokenStore) RevokeAndReplace(ctx context.Context, old auth.RefreshToken, next auth.NewRefreshToken, now time.Time) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errUnavailable("rotate refresh token")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $1, replaced_by = $2
		where id = $3 and revoked_at is null
	`, now, next.TokenHash, old.ID)
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	if aff == 0 {
		return auth.RefreshToken{}, auth.ErrRefreshReuse
	}

	t, err := insertToken(ctx, tx, next)
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	if err := tx.Commit(); err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	return t, nil
}

func (s *tokenStore) RevokeByHash(ctx context.Context, hash string, now time.Time) error {
	if s.db == nil {
		return errUnavailable("revoke refresh token")
	}
	if _, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $1
		where token_hash = $2 and revoked_at is null
	`, now, hash); err != nil {
		return auth.StoreError("revoke refresh token", err)
	}
	return nil
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errUnavailable("revoke refresh tokens")
	}
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $1
		where user_id = $2 and revoked_at is null
	`, now, userID)
	if err != nil {
		return 0, auth.StoreError("revoke refresh tokens", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, auth.StoreError("revoke refresh tokens", err)
	}
	return aff, nil
}

func (s *tokenStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errUnavailable("prune refresh tokens")
	}
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1 and revoked_at is not null`, before)
	if err != nil {
		return 0, auth.StoreError("prune refresh tokens", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, auth.StoreError("prune refresh tokens", err)
	}
	return aff, nil
}
