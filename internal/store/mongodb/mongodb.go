// Package mongodb implements auth.Store on MongoDB.
//
// Refresh token rotation runs in one of two modes. With transactions enabled
// (replica set or sharded cluster) the claim of the old token and the insert
// of its successor commit together. Without them the successor is inserted
// first and the old token is then claimed with a conditional update; a lost
// or failed claim revokes the successor again. In that mode a successor row
// can briefly exist unclaimed, but its secret has not been handed to anyone,
// and at most one caller ever receives a successor.
//
// A failed claim is ambiguous. When the server applied the update but the
// reply was lost, the old token is revoked as well as the successor, and the
// session ends: the caller sees ErrStoreUnavailable and has to log in again.
// Both rows keep revoked_at and replaced_by, so the chain stays auditable.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"devosphere.org/internal/auth"
)

const (
	usersCollection       = "users"
	tokensCollection      = "refresh_tokens"
	permissionsCollection = "permissions_catalog"
)

// Store is the MongoDB implementation of auth.Store.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions bool
	ownsClient   bool
	log          logrus.FieldLogger
}

var _ auth.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTransactions makes refresh rotation use multi-document transactions.
func WithTransactions(enabled bool) Option {
	return func(s *Store) { s.transactions = enabled }
}

// WithLogger sets the logger used for compensation failures.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Connect dials MongoDB, verifies the connection and returns a Store that
// disconnects the client on Close.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	s := New(client, client.Database(database), opts...)
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client and database. Close leaves the client open.
func New(client *mongo.Client, db *mongo.Database, opts ...Option) *Store {
	discard := logrus.New()
	discard.SetLevel(logrus.PanicLevel)
	s := &Store{client: client, db: db, log: discard}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Users() auth.CredentialStore {
	return &userStore{coll: s.db.Collection(usersCollection)}
}

func (s *Store) RefreshTokens() auth.RefreshTokenStore {
	return &tokenStore{
		client:       s.client,
		coll:         s.db.Collection(tokensCollection),
		transactions: s.transactions,
		log:          s.log,
	}
}

func (s *Store) Permissions() auth.PermissionCatalog {
	return &catalogStore{coll: s.db.Collection(permissionsCollection)}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return auth.StoreError("ping", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and lookup indexes the stores rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.db.Collection(usersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("users_email_key")},
		{Keys: bson.D{{Key: "created_at", Value: -1}}, Options: options.Index().SetName("users_created_at_idx")},
	}); err != nil {
		return auth.StoreError("create user indexes", err)
	}
	if _, err := s.db.Collection(tokensCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetName("refresh_tokens_token_hash_idx")},
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("refresh_tokens_user_id_idx")},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetName("refresh_tokens_expires_at_idx")},
	}); err != nil {
		return auth.StoreError("create refresh token indexes", err)
	}
	return nil
}
