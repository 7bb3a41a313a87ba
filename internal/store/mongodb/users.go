package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"devosphere.org/internal/auth"
)

type userDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Name         string             `bson:"name"`
	Email        string             `bson:"email"`
	PasswordHash string             `bson:"password_hash"`
	Role         string             `bson:"role"`
	Permissions  []string           `bson:"permissions"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

func (d userDoc) user() auth.User {
	perms := d.Permissions
	if perms == nil {
		perms = []string{}
	}
	return auth.User{
		ID:          d.ID.Hex(),
		Name:        d.Name,
		Email:       d.Email,
		Role:        auth.Role(d.Role),
		Permissions: perms,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

type userStore struct {
	coll *mongo.Collection
}

func (s *userStore) Create(ctx context.Context, nu auth.NewUser) (auth.User, error) {
	created := nu.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	role := nu.Role
	if role == "" {
		role = auth.RoleUser
	}
	doc := userDoc{
		ID:           primitive.NewObjectIDFromTimestamp(created),
		Name:         nu.Name,
		Email:        auth.NormalizeEmail(nu.Email),
		PasswordHash: nu.PasswordHash,
		Role:         string(role),
		Permissions:  auth.NormalizePermissionKeys(nu.Permissions),
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return auth.User{}, auth.ErrDuplicateEmail
		}
		return auth.User{}, auth.StoreError("insert user", err)
	}
	return doc.user(), nil
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (auth.User, error) {
	c, err := s.FindCredentials(ctx, email)
	if err != nil {
		return auth.User{}, err
	}
	return c.User, nil
}

func (s *userStore) FindCredentials(ctx context.Context, email string) (auth.Credentials, error) {
	doc, err := s.findOne(ctx, bson.M{"email": auth.NormalizeEmail(email)})
	if err != nil {
		return auth.Credentials{}, err
	}
	return auth.Credentials{User: doc.user(), PasswordHash: doc.PasswordHash}, nil
}

func (s *userStore) FindByID(ctx context.Context, id string) (auth.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return auth.User{}, auth.ErrNotFound
	}
	doc, err := s.findOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return auth.User{}, err
	}
	return doc.user(), nil
}

func (s *userStore) findOne(ctx context.Context, filter bson.M) (userDoc, error) {
	var doc userDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return userDoc{}, auth.ErrNotFound
	}
	if err != nil {
		return userDoc{}, auth.StoreError("find user", err)
	}
	return doc, nil
}

func (s *userStore) UpdateByID(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return auth.User{}, auth.ErrNotFound
	}
	if upd.Empty() {
		return s.FindByID(ctx, id)
	}

	set := bson.M{}
	if upd.Name != nil {
		set["name"] = *upd.Name
	}
	if upd.Email != nil {
		set["email"] = auth.NormalizeEmail(*upd.Email)
	}
	if upd.PasswordHash != nil {
		set["password_hash"] = *upd.PasswordHash
	}
	if upd.Role != nil {
		set["role"] = string(*upd.Role)
	}
	if upd.Permissions != nil {
		set["permissions"] = auth.NormalizePermissionKeys(*upd.Permissions)
	}
	updated := upd.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	set["updated_at"] = updated

	var doc userDoc
	err = s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return auth.User{}, auth.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return auth.User{}, auth.ErrDuplicateEmail
	case err != nil:
		return auth.User{}, auth.StoreError("update user", err)
	}
	return doc.user(), nil
}

func (s *userStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return false, auth.StoreError("delete user", err)
	}
	return res.DeletedCount > 0, nil
}

func (s *userStore) List(ctx context.Context) ([]auth.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, auth.StoreError("list users", err)
	}
	defer cursor.Close(ctx)

	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, auth.StoreError("list users", err)
	}
	users := make([]auth.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.user())
	}
	return users, nil
}
