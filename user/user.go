package user

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store keeps the registry of chat users that have talked to the bot.
type Store interface {
	// Touch creates the user on first sight and bumps LastActiveAt otherwise.
	// An empty userName leaves the stored name alone.
	Touch(ctx context.Context, u ChatUser, userName string, at time.Time) error
	// Get returns ErrNotFound when the user was never touched.
	Get(ctx context.Context, u ChatUser) (*Profile, error)
}

// =============================================================================
// MongoDB Implementation of Store
// =============================================================================

var _ Store = &MongoDBStore{}

// MongoDBStore implements the Store interface using MongoDB.
type MongoDBStore struct {
	usersCollection *mongo.Collection
}

// NewMongoDBStore creates a new MongoDBStore instance.
func NewMongoDBStore(db *mongo.Database, usersCollectionName string) *MongoDBStore {
	if usersCollectionName == "" {
		usersCollectionName = "chat_users"
	}
	return &MongoDBStore{
		usersCollection: db.Collection(usersCollectionName),
	}
}

func (m *MongoDBStore) Touch(ctx context.Context, u ChatUser, userName string, at time.Time) error {
	filter := bson.M{"workspace_id": u.WorkspaceID, "user_id": u.UserID}
	set := bson.M{"last_active_at": at.UTC()}
	if userName != "" {
		set["user_name"] = userName
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": at.UTC()},
	}
	_, err := m.usersCollection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

func (m *MongoDBStore) Get(ctx context.Context, u ChatUser) (*Profile, error) {
	var p Profile
	err := m.usersCollection.FindOne(ctx, bson.M{"workspace_id": u.WorkspaceID, "user_id": u.UserID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &p, nil
}

// =============================================================================
// In-memory Implementation of Store
// =============================================================================

var _ Store = &MemoryStore{}

// MemoryStore is a process-local Store, used in tests and single-instance runs.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[ChatUser]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[ChatUser]Profile)}
}

func (m *MemoryStore) Touch(_ context.Context, u ChatUser, userName string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[u]
	if !ok {
		p = Profile{ChatUser: u, CreatedAt: at.UTC()}
	}
	if userName != "" {
		p.UserName = userName
	}
	p.LastActiveAt = at.UTC()
	m.users[u] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, u ChatUser) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[u]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}
