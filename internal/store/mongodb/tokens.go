package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"devosphere.org/internal/auth"
)

type tokenDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	UserID     string             `bson:"user_id"`
	TokenHash  string             `bson:"token_hash"`
	ExpiresAt  time.Time          `bson:"expires_at"`
	RevokedAt  *time.Time         `bson:"revoked_at"`
	ReplacedBy string             `bson:"replaced_by,omitempty"`
	IP         string             `bson:"ip,omitempty"`
	UserAgent  string             `bson:"user_agent,omitempty"`
	CreatedAt  time.Time          `bson:"created_at"`
}

func (d tokenDoc) token() auth.RefreshToken {
	t := auth.RefreshToken{
		ID:         d.ID.Hex(),
		UserID:     d.UserID,
		TokenHash:  d.TokenHash,
		ExpiresAt:  d.ExpiresAt.UTC(),
		ReplacedBy: d.ReplacedBy,
		IP:         d.IP,
		UserAgent:  d.UserAgent,
		CreatedAt:  d.CreatedAt.UTC(),
	}
	if d.RevokedAt != nil {
		at := d.RevokedAt.UTC()
		t.RevokedAt = &at
	}
	return t
}

func newTokenDoc(nt auth.NewRefreshToken) tokenDoc {
	created := nt.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return tokenDoc{
		ID:        primitive.NewObjectIDFromTimestamp(created),
		UserID:    nt.UserID,
		TokenHash: nt.TokenHash,
		ExpiresAt: nt.ExpiresAt,
		IP:        nt.Meta.IP,
		UserAgent: nt.Meta.UserAgent,
		CreatedAt: created,
	}
}

type tokenStore struct {
	client       *mongo.Client
	coll         *mongo.Collection
	transactions bool
	log          logrus.FieldLogger
}

func (s *tokenStore) Create(ctx context.Context, nt auth.NewRefreshToken) (auth.RefreshToken, error) {
	doc := newTokenDoc(nt)
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return auth.RefreshToken{}, auth.StoreError("insert refresh token", err)
	}
	return doc.token(), nil
}

func (s *tokenStore) FindValidByHash(ctx context.Context, hash string, now time.Time) (auth.RefreshToken, error) {
	return s.findOne(ctx, bson.M{
		"token_hash": hash,
		"revoked_at": nil,
		"expires_at": bson.M{"$gt": now},
	})
}

func (s *tokenStore) FindByHash(ctx context.Context, hash string) (auth.RefreshToken, error) {
	return s.findOne(ctx, bson.M{"token_hash": hash})
}

func (s *tokenStore) findOne(ctx context.Context, filter bson.M) (auth.RefreshToken, error) {
	var doc tokenDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err := s.coll.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("find refresh token", err)
	}
	return doc.token(), nil
}

func (s *tokenStore) RevokeAndReplace(ctx context.Context, old auth.RefreshToken, next auth.NewRefreshToken, now time.Time) (auth.RefreshToken, error) {
	oid, err := primitive.ObjectIDFromHex(old.ID)
	if err != nil {
		return auth.RefreshToken{}, auth.ErrRefreshReuse
	}
	if s.transactions {
		return s.rotateInTransaction(ctx, oid, next, now)
	}
	return s.rotateWithCompensation(ctx, oid, next, now)
}

func claimFilter(oid primitive.ObjectID) bson.M {
	return bson.M{"_id": oid, "revoked_at": nil}
}

func claimUpdate(next auth.NewRefreshToken, now time.Time) bson.M {
	return bson.M{"$set": bson.M{"revoked_at": now, "replaced_by": next.TokenHash}}
}

func (s *tokenStore) rotateInTransaction(ctx context.Context, oid primitive.ObjectID, next auth.NewRefreshToken, now time.Time) (auth.RefreshToken, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		res, err := s.coll.UpdateOne(sc, claimFilter(oid), claimUpdate(next, now))
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, auth.ErrRefreshReuse
		}
		doc := newTokenDoc(next)
		if _, err := s.coll.InsertOne(sc, doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if errors.Is(err, auth.ErrRefreshReuse) {
		return auth.RefreshToken{}, auth.ErrRefreshReuse
	}
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	return out.(tokenDoc).token(), nil
}

// rotateWithCompensation inserts the successor before claiming the old record
// so that a winning claim never leaves the caller without a persisted
// successor. The successor is revoked again when the claim is lost or fails.
func (s *tokenStore) rotateWithCompensation(ctx context.Context, oid primitive.ObjectID, next auth.NewRefreshToken, now time.Time) (auth.RefreshToken, error) {
	doc := newTokenDoc(next)
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}

	res, err := s.coll.UpdateOne(ctx, claimFilter(oid), claimUpdate(next, now))
	if err == nil && res.MatchedCount == 1 {
		return doc.token(), nil
	}

	s.revokeSuccessor(ctx, doc.ID, now)
	if err != nil {
		return auth.RefreshToken{}, auth.StoreError("rotate refresh token", err)
	}
	return auth.RefreshToken{}, auth.ErrRefreshReuse
}

func (s *tokenStore) revokeSuccessor(ctx context.Context, id primitive.ObjectID, now time.Time) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.coll.UpdateOne(cctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"revoked_at": now}}); err != nil {
		s.log.WithError(err).WithField("token_id", id.Hex()).Error("revoke orphaned refresh token")
	}
}

func (s *tokenStore) RevokeByHash(ctx context.Context, hash string, now time.Time) error {
	if _, err := s.coll.UpdateMany(ctx,
		bson.M{"token_hash": hash, "revoked_at": nil},
		bson.M{"$set": bson.M{"revoked_at": now}},
	); err != nil {
		return auth.StoreError("revoke refresh token", err)
	}
	return nil
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"user_id": userID, "revoked_at": nil},
		bson.M{"$set": bson.M{"revoked_at": now}},
	)
	if err != nil {
		return 0, auth.StoreError("revoke refresh tokens", err)
	}
	return res.ModifiedCount, nil
}

func (s *tokenStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"expires_at": bson.M{"$lt": before},
		"revoked_at": bson.M{"$ne": nil},
	})
	if err != nil {
		return 0, auth.StoreError("prune refresh tokens", err)
	}
	return res.DeletedCount, nil
}
