package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

const usersCollection = "users"

// UserRepository implements ports.CredentialStore on a users collection
// with unique indexes on username and email.
type UserRepository struct {
	coll *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{coll: db.Collection(usersCollection)}
}

type userDoc struct {
	ID             string `bson:"_id"`
	Username       string `bson:"username"`
	Email          string `bson:"email"`
	PasswordDigest string `bson:"password_digest"`
	License        string `bson:"license"`
	Role           string `bson:"role"`
	CreatedAt      int64  `bson:"created_at"`
	LoggedIn       bool   `bson:"logged_in"`
}

func toUserDoc(u *domain.User) userDoc {
	return userDoc{
		ID:             u.ID,
		Username:       u.Username,
		Email:          u.Email,
		PasswordDigest: u.PasswordDigest,
		License:        string(u.License),
		Role:           string(u.Role),
		CreatedAt:      u.CreatedAt.Unix(),
		LoggedIn:       u.LoggedIn,
	}
}

func (d userDoc) toDomain() *domain.User {
	return &domain.User{
		ID:             d.ID,
		Username:       d.Username,
		Email:          d.Email,
		PasswordDigest: d.PasswordDigest,
		License:        domain.LicenseTier(d.License),
		Role:           domain.Role(d.Role),
		CreatedAt:      unixToTime(d.CreatedAt),
		LoggedIn:       d.LoggedIn,
	}
}

// EnsureIndexes creates the unique username and email indexes.
func (r *UserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (r *UserRepository) CreateUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	if _, err := r.coll.InsertOne(ctx, toUserDoc(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("%w: insert user: %v", domain.ErrStorage, err)
	}
	created := *user
	return &created, nil
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	var doc userDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: find user: %v", domain.ErrStorage, err)
	}
	return doc.toDomain(), nil
}

func (r *UserRepository) ByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *UserRepository) ByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"username": username})
}

func (r *UserRepository) ByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *UserRepository) DeleteUser(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("%w: delete user: %v", domain.ErrStorage, err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) set(ctx context.Context, id string, fields bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("%w: update user: %v", domain.ErrStorage, err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) SetLoggedIn(ctx context.Context, id string, loggedIn bool) error {
	return r.set(ctx, id, bson.M{"logged_in": loggedIn})
}

func (r *UserRepository) MarkLoggedIn(ctx context.Context, id string) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "logged_in": false},
		bson.M{"$set": bson.M{"logged_in": true}})
	if err != nil {
		return fmt.Errorf("%w: mark logged in: %v", domain.ErrStorage, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("%w: mark logged in: %v", domain.ErrStorage, err)
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return domain.ErrAlreadyLoggedIn
}

func (r *UserRepository) SetRole(ctx context.Context, id string, role domain.Role) error {
	return r.set(ctx, id, bson.M{"role": string(role)})
}

func (r *UserRepository) GetLicense(ctx context.Context, id string) (domain.LicenseTier, error) {
	u, err := r.ByID(ctx, id)
	if err != nil {
		return "", err
	}
	return u.License, nil
}

func (r *UserRepository) Ping(ctx context.Context) error {
	if err := r.coll.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrStorage, err)
	}
	return nil
}

func unixToTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
