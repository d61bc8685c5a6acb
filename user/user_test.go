package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestChatUser_Key(t *testing.T) {
	tests := []struct {
		name string
		user ChatUser
		want string
		zero bool
	}{
		{"full", ChatUser{WorkspaceID: "T12345678", UserID: "U12345678"}, "T12345678:U12345678", false},
		{"missing user", ChatUser{WorkspaceID: "T12345678"}, "T12345678:", true},
		{"empty", ChatUser{}, ":", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.Key(); got != tt.want {
				t.Errorf("Key() = %q; want %q", got, tt.want)
			}
			if got := tt.user.IsZero(); got != tt.zero {
				t.Errorf("IsZero() = %v; want %v", got, tt.zero)
			}
		})
	}
}

func TestMemoryStore_Touch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	u := ChatUser{WorkspaceID: "T12345678", UserID: "U12345678"}

	if _, err := s.Get(ctx, u); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first touch, got %v", err)
	}

	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if err := s.Touch(ctx, u, "alice", first); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	later := first.Add(time.Hour)
	if err := s.Touch(ctx, u, "alice.w", later); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	p, err := s.Get(ctx, u)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !p.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt changed: got %v want %v", p.CreatedAt, first)
	}
	if !p.LastActiveAt.Equal(later) {
		t.Errorf("LastActiveAt = %v; want %v", p.LastActiveAt, later)
	}
	if p.UserName != "alice.w" {
		t.Errorf("UserName = %q", p.UserName)
	}

	if err := s.Touch(ctx, u, "", later.Add(time.Hour)); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	p, _ = s.Get(ctx, u)
	if p.UserName != "alice.w" {
		t.Errorf("empty name replaced stored name: %q", p.UserName)
	}
}

func TestMongoDBStore_Touch(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		s := NewMongoDBStore(mt.DB, "")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		err := s.Touch(context.Background(), ChatUser{WorkspaceID: "T12345678", UserID: "U12345678"}, "bob", time.Now())
		if err != nil {
			mt.Fatalf("Touch failed: %v", err)
		}
	})

	mt.Run("write error", func(mt *mtest.T) {
		s := NewMongoDBStore(mt.DB, "")
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 1, Message: "boom"}))

		err := s.Touch(context.Background(), ChatUser{WorkspaceID: "T12345678", UserID: "U12345678"}, "bob", time.Now())
		if err == nil || !strings.Contains(err.Error(), "boom") {
			mt.Fatalf("expected wrapped command error, got %v", err)
		}
	})
}

func TestMongoDBStore_Get(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		s := NewMongoDBStore(mt.DB, "")
		seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		doc := bson.D{
			{Key: "workspace_id", Value: "T12345678"},
			{Key: "user_id", Value: "U12345678"},
			{Key: "user_name", Value: "carol"},
			{Key: "created_at", Value: seen},
			{Key: "last_active_at", Value: seen},
		}
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "foo.chat_users", mtest.FirstBatch, doc))

		p, err := s.Get(context.Background(), ChatUser{WorkspaceID: "T12345678", UserID: "U12345678"})
		if err != nil {
			mt.Fatalf("Get failed: %v", err)
		}
		if p.UserName != "carol" || p.UserID != "U12345678" {
			mt.Errorf("unexpected profile: %+v", p)
		}
		if !p.LastActiveAt.Equal(seen) {
			mt.Errorf("LastActiveAt = %v; want %v", p.LastActiveAt, seen)
		}
	})

	mt.Run("not found", func(mt *mtest.T) {
		s := NewMongoDBStore(mt.DB, "")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "foo.chat_users", mtest.FirstBatch))

		_, err := s.Get(context.Background(), ChatUser{WorkspaceID: "T12345678", UserID: "U00000000"})
		if !errors.Is(err, ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
