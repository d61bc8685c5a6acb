package user

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("user not found")

// ChatUser identifies one person inside one chat workspace. The pair is the
// unit every credential and meeting is scoped to.
type ChatUser struct {
	WorkspaceID string `bson:"workspace_id" json:"workspace_id"`
	UserID      string `bson:"user_id" json:"user_id"`
}

// Key returns a stable single-string form of the pair, suitable for map keys
// and cache prefixes.
func (u ChatUser) Key() string {
	return u.WorkspaceID + ":" + u.UserID
}

func (u ChatUser) IsZero() bool {
	return u.WorkspaceID == "" || u.UserID == ""
}

func (u ChatUser) String() string {
	return u.Key()
}

// Profile is the stored view of a ChatUser. Only LastActiveAt and UserName
// change after creation.
type Profile struct {
	ChatUser     `bson:",inline"`
	UserName     string    `bson:"user_name" json:"user_name"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	LastActiveAt time.Time `bson:"last_active_at" json:"last_active_at"`
}
