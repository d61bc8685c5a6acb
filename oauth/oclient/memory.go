package oclient

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Seann-Moser/meetbot/user"
)

var _ CredentialStore = &MemoryCredentialStore{}

// MemoryCredentialStore keeps credentials in process memory.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[user.ChatUser]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[user.ChatUser]Credential)}
}

func (m *MemoryCredentialStore) Get(_ context.Context, u user.ChatUser) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[u]
	if !ok {
		return Credential{}, false, nil
	}
	return clone(c), true, nil
}

func (m *MemoryCredentialStore) Upsert(_ context.Context, u user.ChatUser, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[u] = clone(c)
	return nil
}

func (m *MemoryCredentialStore) Replace(_ context.Context, u user.ChatUser, previousAccessToken string, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.creds[u]
	if !ok || cur.AccessToken != previousAccessToken {
		return ErrCredentialChanged
	}
	m.creds[u] = clone(c)
	return nil
}

func (m *MemoryCredentialStore) Delete(_ context.Context, u user.ChatUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, u)
	return nil
}

func clone(c Credential) Credential {
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

var _ FlowStore = &MemoryFlowStore{}

// MemoryFlowStore holds pending authorizations for a single process.
// Expired entries are ignored on read and removed by Prune.
type MemoryFlowStore struct {
	mu    sync.Mutex
	flows map[string]Flow
	now   func() time.Time
}

func NewMemoryFlowStore(now func() time.Time) *MemoryFlowStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryFlowStore{flows: make(map[string]Flow), now: now}
}

func (m *MemoryFlowStore) Put(_ context.Context, state string, f Flow, ttl time.Duration) error {
	if f.ExpiresAt.IsZero() {
		f.ExpiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.flows[state] = f
	m.mu.Unlock()
	return nil
}

func (m *MemoryFlowStore) Peek(_ context.Context, state string) (Flow, bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[state]
	if !ok || !now.Before(f.ExpiresAt) {
		return Flow{}, false, nil
	}
	return f, true, nil
}

func (m *MemoryFlowStore) Take(_ context.Context, state string) (Flow, bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[state]
	if !ok {
		return Flow{}, false, nil
	}
	delete(m.flows, state)
	if !now.Before(f.ExpiresAt) {
		return Flow{}, false, nil
	}
	return f, true, nil
}

// Prune drops expired flows and reports how many were removed.
func (m *MemoryFlowStore) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for state, f := range m.flows {
		if !now.Before(f.ExpiresAt) {
			delete(m.flows, state)
			n++
		}
	}
	return n
}

func (m *MemoryFlowStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}
