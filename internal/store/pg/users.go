package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/ids"
)

const userColumns = `id, name, email, role, permissions, created_at, updated_at`

type userStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, extra ...any) (auth.User, error) {
	var (
		u     auth.User
		role  string
		perms []byte
	)
	dest := append([]any{&u.ID, &u.Name, &u.Email, &role, &perms, &u.CreatedAt, &u.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return auth.User{}, err
	}
	u.Role = auth.Role(role)
	u.Permissions = []string{}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &u.Permissions); err != nil {
			return auth.User{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return u, nil
}

func encodePermissions(keys []string) ([]byte, error) {
	keys = auth.NormalizePermissionKeys(keys)
	return json.Marshal(keys)
}

func (s *userStore) Create(ctx context.Context, nu auth.NewUser) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable("insert user")
	}
	created := nu.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	role := nu.Role
	if role == "" {
		role = auth.RoleUser
	}
	perms, err := encodePermissions(nu.Permissions)
	if err != nil {
		return auth.User{}, fmt.Errorf("marshal permissions: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, name, email, password_hash, role, permissions, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
		returning `+userColumns,
		ids.NewAt(created), nu.Name, auth.NormalizeEmail(nu.Email), nu.PasswordHash, string(role), perms, created)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.User{}, auth.ErrDuplicateEmail
		}
		return auth.User{}, auth.StoreError("insert user", err)
	}
	return u, nil
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	c, err := s.FindCredentials(ctx, email)
	if err != nil {
		return auth.User{}, err
	}
	return c.User, nil
}

func (s *userStore) FindCredentials(ctx context.Context, email string) (auth.Credentials, error) {
	if s.db == nil {
		return auth.Credentials{}, errUnavailable("find user")
	}
	var c auth.Credentials
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`, password_hash
		from users
		where lower(email) = $1
	`, auth.NormalizeEmail(email))
	u, err := scanUser(row, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credentials{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credentials{}, auth.StoreError("find user", err)
	}
	c.User = u
	return c, nil
}

func (s *userStore) FindByID(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable("find user")
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, auth.StoreError("find user", err)
	}
	return u, nil
}

func (s *userStore) UpdateByID(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable("update user")
	}
	if upd.Empty() {
		return s.FindByID(ctx, id)
	}

	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	set := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Name != nil {
		set("name", *upd.Name)
	}
	if upd.Email != nil {
		set("email", auth.NormalizeEmail(*upd.Email))
	}
	if upd.PasswordHash != nil {
		set("password_hash", *upd.PasswordHash)
	}
	if upd.Role != nil {
		set("role", string(*upd.Role))
	}
	if upd.Permissions != nil {
		perms, err := encodePermissions(*upd.Permissions)
		if err != nil {
			return auth.User{}, fmt.Errorf("marshal permissions: %w", err)
		}
		set("permissions", perms)
	}
	updated := upd.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	set("updated_at", updated)

	query := fmt.Sprintf(`update users set %s where id = $%d returning %s`, strings.Join(setClauses, ", "), idx, userColumns)
	args = append(args, id)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return auth.User{}, auth.ErrNotFound
	case isUniqueViolation(err):
		return auth.User{}, auth.ErrDuplicateEmail
	case err != nil:
		return auth.User{}, auth.StoreError("update user", err)
	}
	return u, nil
}

func (s *userStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errUnavailable("delete user")
	}
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return false, auth.StoreError("delete user", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, auth.StoreError("delete user", err)
	}
	return aff > 0, nil
}

func (s *userStore) List(ctx context.Context) ([]auth.User, error) {
	if s.db == nil {
		return nil, errUnavailable("list users")
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users
		order by created_at desc, id desc
	`)
	if err != nil {
		return nil, auth.StoreError("list users", err)
	}
	defer rows.Close()

	result := []auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, auth.StoreError("list users", err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, auth.StoreError("list users", err)
	}
	return result, nil
}
