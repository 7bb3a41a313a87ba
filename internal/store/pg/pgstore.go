package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"devosphere.org/internal/auth"
	"devosphere.org/internal/migrate"
)

const (
	pgErrUniqueViolation = "23505"

	defaultMaxOpenConns = 50
)

var (
	//go:embed migrations/*.sql
	migrationFiles embed.FS
	//go:embed seeds/*.sql
	seedFiles embed.FS
)

// Store is the PostgreSQL implementation of auth.Store.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

var _ auth.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithLogger sets the logger used for driver failures.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open connects through the pgx stdlib driver and tunes the pool.
func Open(dsn string, maxOpenConns int, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	discard := logrus.New()
	discard.SetLevel(logrus.PanicLevel)
	s := &Store{db: db, log: discard}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Users() auth.CredentialStore           { return &userStore{db: s.db} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{db: s.db} }
func (s *Store) Permissions() auth.PermissionCatalog   { return &catalogStore{db: s.db} }

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return auth.StoreError("ping", errors.New("database connection unavailable"))
	}
	if err := s.db.PingContext(ctx); err != nil {
		return auth.StoreError("ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrator returns a migration manager loaded with the embedded schema and seeds.
func (s *Store) Migrator(opts ...migrate.Option) *migrate.Manager {
	opts = append([]migrate.Option{migrate.WithSeeds(Seeds()), migrate.WithLogger(s.log)}, opts...)
	return migrate.NewManager(s.db, Migrations(), opts...)
}

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the embedded seed files.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFiles, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func errUnavailable(op string) error {
	return auth.StoreError(op, errors.New("database connection unavailable"))
}
