package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"devosphere.org/internal/auth"
)

type catalogStore struct {
	db *sql.DB
}

func (s *catalogStore) Create(ctx context.Context, e auth.PermissionEntry) (auth.PermissionEntry, error) {
	if s.db == nil {
		return auth.PermissionEntry{}, errUnavailable("insert permission")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var out auth.PermissionEntry
	row := s.db.QueryRowContext(ctx, `
		insert into permissions_catalog (key, label, description, created_at)
		values ($1, $2, $3, $4)
		returning key, label, coalesce(description, ''), created_at
	`, strings.ToLower(strings.TrimSpace(e.Key)), e.Label, nullIfEmpty(e.Description), created)
	if err := row.Scan(&out.Key, &out.Label, &out.Description, &out.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return auth.PermissionEntry{}, auth.ErrDuplicateKey
		}
		return auth.PermissionEntry{}, auth.StoreError("insert permission", err)
	}
	return out, nil
}

func (s *catalogStore) List(ctx context.Context) ([]auth.PermissionEntry, error) {
	if s.db == nil {
		return nil, errUnavailable("list permissions")
	}
	rows, err := s.db.QueryContext(ctx, `
		select key, label, coalesce(description, ''), created_at
		from permissions_catalog
		order by key
	`)
	if err != nil {
		return nil, auth.StoreError("list permissions", err)
	}
	defer rows.Close()

	result := []auth.PermissionEntry{}
	for rows.Next() {
		var e auth.PermissionEntry
		if err := rows.Scan(&e.Key, &e.Label, &e.Description, &e.CreatedAt); err != nil {
			return nil, auth.StoreError("list permissions", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, auth.StoreError("list permissions", err)
	}
	return result, nil
}

func (s *catalogStore) RemoveByKey(ctx context.Context, key string) (bool, error) {
	if s.db == nil {
		return false, errUnavailable("remove permission")
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions_catalog where key = $1`, strings.ToLower(strings.TrimSpace(key)))
	if err != nil {
		return false, auth.StoreError("remove permission", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, auth.StoreError("remove permission", err)
	}
	return aff > 0, nil
}
