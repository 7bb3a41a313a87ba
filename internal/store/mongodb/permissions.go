package mongodb

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"devosphere.org/internal/auth"
)

// The key doubles as _id, so uniqueness needs no extra index.
type permissionDoc struct {
	Key         string    `bson:"_id"`
	Label       string    `bson:"label"`
	Description string    `bson:"description,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

func (d permissionDoc) entry() auth.PermissionEntry {
	return auth.PermissionEntry{
		Key:         d.Key,
		Label:       d.Label,
		Description: d.Description,
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

type catalogStore struct {
	coll *mongo.Collection
}

func (s *catalogStore) Create(ctx context.Context, e auth.PermissionEntry) (auth.PermissionEntry, error) {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	doc := permissionDoc{
		Key:         strings.ToLower(strings.TrimSpace(e.Key)),
		Label:       e.Label,
		Description: e.Description,
		CreatedAt:   created,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return auth.PermissionEntry{}, auth.ErrDuplicateKey
		}
		return auth.PermissionEntry{}, auth.StoreError("insert permission", err)
	}
	return doc.entry(), nil
}

func (s *catalogStore) List(ctx context.Context) ([]auth.PermissionEntry, error) {
	cursor, err := s.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, auth.StoreError("list permissions", err)
	}
	defer cursor.Close(ctx)

	var docs []permissionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, auth.StoreError("list permissions", err)
	}
	out := make([]auth.PermissionEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.entry())
	}
	return out, nil
}

func (s *catalogStore) RemoveByKey(ctx context.Context, key string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": strings.ToLower(strings.TrimSpace(key))})
	if err != nil {
		return false, auth.StoreError("remove permission", err)
	}
	return res.DeletedCount > 0, nil
}
