package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"devosphere.org/internal/auth"
)

var ts = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func userRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "email", "role", "permissions", "created_at", "updated_at"}).
		AddRow("01J0000000000000000000000A", "Alice", "alice@example.com", "user", []byte(`["reports.read"]`), ts, ts)
}

func TestCreateUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("insert into users")).
		WithArgs(sqlmock.AnyArg(), "Alice", "alice@example.com", "hash", "user", []byte(`[]`), ts).
		WillReturnRows(userRow())

	u, err := store.Users().Create(context.Background(), auth.NewUser{
		Name: "Alice", Email: "Alice@Example.com", PasswordHash: "hash", CreatedAt: ts,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.Email != "alice@example.com" || u.Role != auth.RoleUser {
		t.Fatalf("unexpected user %+v", u)
	}
	if len(u.Permissions) != 1 || u.Permissions[0] != "reports.read" {
		t.Fatalf("permissions not decoded: %v", u.Permissions)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("insert into users")).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.Users().Create(context.Background(), auth.NewUser{Name: "A", Email: "a@example.com", PasswordHash: "h"})
	if !errors.Is(err, auth.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestFindCredentialsIncludesHash(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "name", "email", "role", "permissions", "created_at", "updated_at", "password_hash"}).
		AddRow("u1", "Alice", "alice@example.com", "admin", []byte(`[]`), ts, ts, "$2a$hash")
	mock.ExpectQuery(regexp.QuoteMeta("where lower(email) = $1")).
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	c, err := store.Users().FindCredentials(context.Background(), " ALICE@example.com ")
	if err != nil {
		t.Fatalf("FindCredentials: %v", err)
	}
	if c.PasswordHash != "$2a$hash" || c.Role != auth.RoleAdmin {
		t.Fatalf("unexpected credentials %+v", c)
	}
}

func TestFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("from users where id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.Users().FindByID(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateUserBuildsSetClause(t *testing.T) {
	store, mock := newMockStore(t)
	name := "Anna"
	role := auth.RoleManager
	mock.ExpectQuery(regexp.QuoteMeta("update users set name = $1, role = $2, updated_at = $3 where id = $4 returning")).
		WithArgs("Anna", "manager", ts, "u1").
		WillReturnRows(userRow())

	if _, err := store.Users().UpdateByID(context.Background(), "u1", auth.UserUpdate{Name: &name, Role: &role, UpdatedAt: ts}); err != nil {
		t.Fatalf("UpdateByID: %v", err)
	}
}

func TestUpdateUserConflictAndMissing(t *testing.T) {
	store, mock := newMockStore(t)
	email := "taken@example.com"
	mock.ExpectQuery(regexp.QuoteMeta("update users set email = $1")).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery(regexp.QuoteMeta("update users set email = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users().UpdateByID(context.Background(), "u1", auth.UserUpdate{Email: &email, UpdatedAt: ts})
	if !errors.Is(err, auth.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	_, err = store.Users().UpdateByID(context.Background(), "u2", auth.UserUpdate{Email: &email, UpdatedAt: ts})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUserReportsAffectedRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from users where id = $1")).WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("delete from users where id = $1")).WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := store.Users().DeleteByID(context.Background(), "u1"); err != nil || !ok {
		t.Fatalf("first delete = %v, %v", ok, err)
	}
	if ok, err := store.Users().DeleteByID(context.Background(), "u1"); err != nil || ok {
		t.Fatalf("second delete = %v, %v", ok, err)
	}
}

func TestFindValidByHashFiltersInQuery(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("where token_hash = $1 and revoked_at is null and expires_at > $2")).
		WithArgs("digest", ts).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "revoked_at", "replaced_by", "ip", "user_agent", "created_at"}).
			AddRow("t1", "u1", "digest", ts.Add(time.Hour), nil, "", "10.0.0.1", "ua", ts))

	tok, err := store.RefreshTokens().FindValidByHash(context.Background(), "digest", ts)
	if err != nil {
		t.Fatalf("FindValidByHash: %v", err)
	}
	if tok.Revoked() || tok.IP != "10.0.0.1" {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestRevokeAndReplaceCommitsBothWrites(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update refresh_tokens")).
		WithArgs(ts, "next-digest", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into refresh_tokens")).
		WithArgs(sqlmock.AnyArg(), "u1", "next-digest", ts.Add(time.Hour), nil, nil, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next, err := store.RefreshTokens().RevokeAndReplace(context.Background(),
		auth.RefreshToken{ID: "t1", UserID: "u1", TokenHash: "old"},
		auth.NewRefreshToken{UserID: "u1", TokenHash: "next-digest", ExpiresAt: ts.Add(time.Hour), CreatedAt: ts},
		ts)
	if err != nil {
		t.Fatalf("RevokeAndReplace: %v", err)
	}
	if next.TokenHash != "next-digest" || next.ID == "" {
		t.Fatalf("unexpected successor %+v", next)
	}
}

func TestRevokeAndReplaceDetectsReuse(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update refresh_tokens")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.RefreshTokens().RevokeAndReplace(context.Background(),
		auth.RefreshToken{ID: "t1"}, auth.NewRefreshToken{UserID: "u1", TokenHash: "x", CreatedAt: ts}, ts)
	if !errors.Is(err, auth.ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
}

func TestRevokeAndReplaceRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update refresh_tokens")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into refresh_tokens")).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.RefreshTokens().RevokeAndReplace(context.Background(),
		auth.RefreshToken{ID: "t1"}, auth.NewRefreshToken{UserID: "u1", TokenHash: "x", CreatedAt: ts}, ts)
	if !errors.Is(err, auth.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRevokeByHashOnlyTouchesActiveRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("where token_hash = $2 and revoked_at is null")).
		WithArgs(ts, "digest").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RefreshTokens().RevokeByHash(context.Background(), "digest", ts); err != nil {
		t.Fatalf("RevokeByHash: %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("where user_id = $2 and revoked_at is null")).
		WithArgs(ts, "u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RefreshTokens().RevokeAllForUser(context.Background(), "u1", ts)
	if err != nil || n != 3 {
		t.Fatalf("RevokeAllForUser = %d, %v", n, err)
	}
}

func TestCatalogDuplicateKey(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("insert into permissions_catalog")).
		WithArgs("users.read", "Read users", nil, ts).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.Permissions().Create(context.Background(), auth.PermissionEntry{Key: "Users.Read", Label: "Read users", CreatedAt: ts})
	if !errors.Is(err, auth.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestCatalogListSortedByKey(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("order by key")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "label", "description", "created_at"}).
			AddRow("a.read", "A", "", ts).
			AddRow("b.read", "B", "desc", ts))

	list, err := store.Permissions().List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[1].Description != "desc" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestDriverErrorsAreStoreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta("from users")).WillReturnError(boom)

	_, err := store.Users().List(context.Background())
	if !errors.Is(err, auth.ErrStoreUnavailable) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	files, err := Migrations().Open("0001_init.up.sql")
	if err != nil {
		t.Fatalf("embedded migration missing: %v", err)
	}
	files.Close()
	if _, err := Seeds().Open("0001_builtin_permissions.sql"); err != nil {
		t.Fatalf("embedded seed missing: %v", err)
	}
}

func TestPruneExpiredKeepsUnrevoked(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from refresh_tokens where expires_at < $1 and revoked_at is not null")).
		WithArgs(ts).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.RefreshTokens().PruneExpired(context.Background(), ts)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 4 {
		t.Fatalf("pruned %d, want 4", n)
	}
}
