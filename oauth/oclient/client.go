package oclient

import (
	"context"
	"time"

	"github.com/Seann-Moser/meetbot/user"
	"golang.org/x/oauth2"
)

// CredentialStore persists at most one Credential per ChatUser. Every failure
// to reach the backing store is wrapped in ErrStoreUnavailable.
type CredentialStore interface {
	// Get reports found=false, with a nil error, when the user has no credential.
	Get(ctx context.Context, u user.ChatUser) (cred Credential, found bool, err error)

	// Upsert inserts or fully replaces the user's credential in one atomic step.
	Upsert(ctx context.Context, u user.ChatUser, cred Credential) error

	// Replace stores cred only while the current access token is still
	// previousAccessToken, otherwise it returns ErrCredentialChanged.
	Replace(ctx context.Context, u user.ChatUser, previousAccessToken string, cred Credential) error

	// Delete removes the credential; deleting a missing one is not an error.
	Delete(ctx context.Context, u user.ChatUser) error
}

// FlowStore maps single-use state tokens to pending authorizations.
type FlowStore interface {
	Put(ctx context.Context, state string, f Flow, ttl time.Duration) error
	// Peek reads a pending flow without consuming it.
	Peek(ctx context.Context, state string) (Flow, bool, error)
	// Take consumes the flow; a second Take for the same state finds nothing.
	Take(ctx context.Context, state string) (Flow, bool, error)
}

// Provider is the OAuth2 authorization server the bot is a client of.
type Provider interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Scopes() []string
}
