package oclient

import (
	"context"
	"net/url"
	"sync/atomic"

	"github.com/Seann-Moser/meetbot/user"
	"golang.org/x/oauth2"
)

// MockProvider provides customizable hooks for testing Provider consumers.
type MockProvider struct {
	AuthCodeURLFunc func(state, verifier string) string
	ExchangeFunc    func(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	RefreshFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	ScopesValue     []string

	exchanges atomic.Int32
	refreshes atomic.Int32
}

// Ensure MockProvider implements Provider
var _ Provider = (*MockProvider)(nil)

// AuthCodeURL calls AuthCodeURLFunc if set, otherwise returns a fixed URL carrying the state.
func (m *MockProvider) AuthCodeURL(state, verifier string) string {
	if m.AuthCodeURLFunc != nil {
		return m.AuthCodeURLFunc(state, verifier)
	}
	return "https://auth.example.test/authorize?state=" + url.QueryEscape(state)
}

// Exchange calls ExchangeFunc if set, otherwise returns nil, nil
func (m *MockProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	m.exchanges.Add(1)
	if m.ExchangeFunc != nil {
		return m.ExchangeFunc(ctx, code, verifier)
	}
	return nil, nil
}

// Refresh calls RefreshFunc if set, otherwise returns nil, nil
func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.refreshes.Add(1)
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return nil, nil
}

// Scopes returns ScopesValue when set, otherwise the calendar scopes.
func (m *MockProvider) Scopes() []string {
	if m.ScopesValue != nil {
		return m.ScopesValue
	}
	return []string{ScopeCalendar, ScopeCalendarEvents}
}

func (m *MockProvider) Exchanges() int { return int(m.exchanges.Load()) }
func (m *MockProvider) Refreshes() int { return int(m.refreshes.Load()) }

// MockCredentialStore delegates to an in-memory store unless a hook is set.
type MockCredentialStore struct {
	*MemoryCredentialStore
	GetFunc     func(ctx context.Context, u user.ChatUser) (Credential, bool, error)
	UpsertFunc  func(ctx context.Context, u user.ChatUser, c Credential) error
	ReplaceFunc func(ctx context.Context, u user.ChatUser, previousAccessToken string, c Credential) error
	DeleteFunc  func(ctx context.Context, u user.ChatUser) error
}

var _ CredentialStore = (*MockCredentialStore)(nil)

func NewMockCredentialStore() *MockCredentialStore {
	return &MockCredentialStore{MemoryCredentialStore: NewMemoryCredentialStore()}
}

func (m *MockCredentialStore) Get(ctx context.Context, u user.ChatUser) (Credential, bool, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, u)
	}
	return m.MemoryCredentialStore.Get(ctx, u)
}

func (m *MockCredentialStore) Upsert(ctx context.Context, u user.ChatUser, c Credential) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, u, c)
	}
	return m.MemoryCredentialStore.Upsert(ctx, u, c)
}

func (m *MockCredentialStore) Replace(ctx context.Context, u user.ChatUser, previousAccessToken string, c Credential) error {
	if m.ReplaceFunc != nil {
		return m.ReplaceFunc(ctx, u, previousAccessToken, c)
	}
	return m.MemoryCredentialStore.Replace(ctx, u, previousAccessToken, c)
}

func (m *MockCredentialStore) Delete(ctx context.Context, u user.ChatUser) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, u)
	}
	return m.MemoryCredentialStore.Delete(ctx, u)
}
