package oclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Seann-Moser/meetbot/user"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ CredentialStore = &MongoCredentialStore{}

// MongoCredentialStore is a MongoDB-backed CredentialStore. Tokens are sealed
// before they are written.
type MongoCredentialStore struct {
	tokens *mongo.Collection
	sealer Sealer
}

type credentialDoc struct {
	WorkspaceID  string     `bson:"workspace_id"`
	UserID       string     `bson:"user_id"`
	AccessToken  string     `bson:"access_token"`
	AccessDigest string     `bson:"access_digest"`
	RefreshToken string     `bson:"refresh_token"`
	ExpiresAt    *time.Time `bson:"expires_at"`
	Scopes       []string   `bson:"scopes"`
}

// NewMongoCredentialStore creates a new store backed by the given DB.
func NewMongoCredentialStore(db *mongo.Database, sealer Sealer) *MongoCredentialStore {
	if sealer == nil {
		sealer = PlainSealer{}
	}
	return &MongoCredentialStore{
		tokens: db.Collection("oauth_credentials"),
		sealer: sealer,
	}
}

// EnsureIndexes makes (workspace_id, user_id) unique so concurrent upserts for
// one user can never produce two documents.
func (s *MongoCredentialStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workspace_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: create index: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func ownerFilter(u user.ChatUser) bson.M {
	return bson.M{"workspace_id": u.WorkspaceID, "user_id": u.UserID}
}

// Get retrieves the stored credential.
func (s *MongoCredentialStore) Get(ctx context.Context, u user.ChatUser) (Credential, bool, error) {
	var doc credentialDoc
	err := s.tokens.FindOne(ctx, ownerFilter(u)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	access, err := s.sealer.Open(doc.AccessToken)
	if err != nil {
		return Credential{}, true, err
	}
	refresh, err := s.sealer.Open(doc.RefreshToken)
	if err != nil {
		return Credential{}, true, err
	}
	cred := Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		Scopes:       doc.Scopes,
	}
	if doc.ExpiresAt != nil {
		cred.Expiry = doc.ExpiresAt.UTC()
	}
	return cred, true, nil
}

// Upsert replaces the whole document, inserting it when absent.
func (s *MongoCredentialStore) Upsert(ctx context.Context, u user.ChatUser, c Credential) error {
	doc, err := s.document(u, c)
	if err != nil {
		return err
	}
	_, err = s.tokens.ReplaceOne(ctx, ownerFilter(u), doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Replace only matches while the stored digest is still that of previousAccessToken.
func (s *MongoCredentialStore) Replace(ctx context.Context, u user.ChatUser, previousAccessToken string, c Credential) error {
	doc, err := s.document(u, c)
	if err != nil {
		return err
	}
	filter := ownerFilter(u)
	filter["access_digest"] = TokenDigest(previousAccessToken)
	res, err := s.tokens.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return ErrCredentialChanged
	}
	return nil
}

// Delete removes stored tokens.
func (s *MongoCredentialStore) Delete(ctx context.Context, u user.ChatUser) error {
	_, err := s.tokens.DeleteOne(ctx, ownerFilter(u))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MongoCredentialStore) document(u user.ChatUser, c Credential) (credentialDoc, error) {
	access, err := s.sealer.Seal(c.AccessToken)
	if err != nil {
		return credentialDoc{}, err
	}
	refresh, err := s.sealer.Seal(c.RefreshToken)
	if err != nil {
		return credentialDoc{}, err
	}
	doc := credentialDoc{
		WorkspaceID:  u.WorkspaceID,
		UserID:       u.UserID,
		AccessToken:  access,
		AccessDigest: c.Digest(),
		RefreshToken: refresh,
		Scopes:       c.Scopes,
	}
	if c.HasExpiry() {
		exp := c.Expiry.UTC()
		doc.ExpiresAt = &exp
	}
	if doc.Scopes == nil {
		doc.Scopes = []string{}
	}
	return doc, nil
}
