package meeting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Seann-Moser/meetbot/user"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Record is one meeting created on behalf of a chat user. Records are only
// ever appended.
type Record struct {
	ID        string        `bson:"id" json:"id"`
	Owner     user.ChatUser `bson:"owner" json:"owner"`
	Link      string        `bson:"link" json:"link"`
	Title     string        `bson:"title,omitempty" json:"title,omitempty"`
	CreatedAt time.Time     `bson:"created_at" json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, r Record) error
	// ListByUser returns the newest records first, at most limit of them.
	ListByUser(ctx context.Context, u user.ChatUser, limit int) ([]Record, error)
}

var _ Store = &MongoStore{}

type MongoStore struct {
	meetings *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{meetings: db.Collection("meetings")}
}

func (s *MongoStore) Append(ctx context.Context, r Record) error {
	r.CreatedAt = r.CreatedAt.UTC()
	if _, err := s.meetings.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("failed to append meeting: %w", err)
	}
	return nil
}

func (s *MongoStore) ListByUser(ctx context.Context, u user.ChatUser, limit int) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.meetings.Find(ctx, bson.M{
		"owner.workspace_id": u.WorkspaceID,
		"owner.user_id":      u.UserID,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var out []Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode meetings: %w", err)
	}
	return out, nil
}

var _ Store = &MemoryStore{}

type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, u user.ChatUser, limit int) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if r.Owner == u {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len counts every record held, across users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
