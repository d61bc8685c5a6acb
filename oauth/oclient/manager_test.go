package oclient

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/Seann-Moser/meetbot/testfixtures"
	"github.com/Seann-Moser/meetbot/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type managerHarness struct {
	clock    *testfixtures.Clock
	store    *MockCredentialStore
	flows    *MemoryFlowStore
	provider *MockProvider
	manager  *Manager
}

func newHarness(t *testing.T, opts ...ManagerOption) *managerHarness {
	t.Helper()
	h := &managerHarness{
		clock:    testfixtures.NewClock(time.Time{}),
		store:    NewMockCredentialStore(),
		provider: &MockProvider{},
	}
	h.flows = NewMemoryFlowStore(h.clock.NowFunc())
	opts = append([]ManagerOption{WithManagerClock(h.clock.NowFunc())}, opts...)
	h.manager = NewManager(h.store, h.flows, h.provider, opts...)
	return h
}

func (h *managerHarness) seed(t *testing.T, u user.ChatUser, c Credential) {
	t.Helper()
	require.NoError(t, h.store.Upsert(context.Background(), u, c))
}

func (h *managerHarness) stored(t *testing.T, u user.ChatUser) (Credential, bool) {
	t.Helper()
	c, found, err := h.store.Get(context.Background(), u)
	require.NoError(t, err)
	return c, found
}

func calendarCredential(access string, expiry time.Time) Credential {
	return Credential{
		AccessToken:  access,
		RefreshToken: "1//refresh-token",
		Expiry:       expiry,
		Scopes:       []string{ScopeCalendar, ScopeCalendarEvents},
	}
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestAcquireUsableToken_NoGrantPromptsForAuthorization(t *testing.T) {
	h := newHarness(t)

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	assert.True(t, res.NeedsAuthorization())
	assert.False(t, res.Revoked)
	assert.NotEmpty(t, res.AuthURL)
	assert.Len(t, res.State, 43)
	assert.Equal(t, res.State, stateOf(t, res.AuthURL))
	assert.Equal(t, 1, h.flows.Len())
	assert.Zero(t, h.provider.Refreshes())
}

func TestAcquireUsableToken_EveryPromptHasFreshState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.AcquireUsableToken(ctx, testfixtures.Alice)
	require.NoError(t, err)
	second, err := h.manager.AcquireUsableToken(ctx, testfixtures.Alice)
	require.NoError(t, err)

	assert.NotEqual(t, first.State, second.State)
	assert.Equal(t, 2, h.flows.Len())
}

func TestAcquireUsableToken_ValidTokenReturnedWithoutProviderCall(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.valid", now.Add(time.Hour)))

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	assert.Equal(t, "ya29.valid", res.AccessToken)
	assert.Zero(t, h.provider.Refreshes())
}

func TestAcquireUsableToken_ReadsClockOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", testfixtures.ReferenceTime().Add(time.Second)))
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "ya29.new", Expiry: testfixtures.ReferenceTime().Add(time.Hour)}, nil
	}

	before := h.clock.Reads()
	_, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.Equal(t, 1, h.clock.Reads()-before)
}

func TestAcquireUsableToken_RefreshesExpiringToken(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", now.Add(10*time.Second)))

	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		assert.Equal(t, "1//refresh-token", refreshToken)
		return &oauth2.Token{AccessToken: "ya29.new", Expiry: now.Add(time.Hour)}, nil
	}

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.Equal(t, "ya29.new", res.AccessToken)
	assert.Equal(t, 1, h.provider.Refreshes())

	c, found := h.stored(t, testfixtures.Alice)
	require.True(t, found)
	assert.Equal(t, "ya29.new", c.AccessToken)
	assert.Equal(t, "1//refresh-token", c.RefreshToken, "refresh token is kept when the provider does not resend it")
	assert.Equal(t, []string{ScopeCalendar, ScopeCalendarEvents}, c.Scopes)
	assert.True(t, c.Expiry.Equal(now.Add(time.Hour)))
}

func TestAcquireUsableToken_RefreshAdoptsRotatedRefreshToken(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", now.Add(-time.Minute)))
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "ya29.new", RefreshToken: "1//rotated", Expiry: now.Add(time.Hour)}, nil
	}

	_, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	c, _ := h.stored(t, testfixtures.Alice)
	assert.Equal(t, "1//rotated", c.RefreshToken)
}

func TestAcquireUsableToken_RevokedGrantIsDeleted(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", h.clock.Now().Add(-time.Minute)))
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, ErrGrantRevoked
	}

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	assert.True(t, res.NeedsAuthorization())
	assert.True(t, res.Revoked)
	assert.NotEmpty(t, res.AuthURL)

	_, found := h.stored(t, testfixtures.Alice)
	assert.False(t, found, "revoked credential must be removed")
}

func TestAcquireUsableToken_TransientFailureKeepsCredential(t *testing.T) {
	h := newHarness(t)
	original := calendarCredential("ya29.old", h.clock.Now().Add(-time.Minute))
	h.seed(t, testfixtures.Alice, original)
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	_, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.ErrorIs(t, err, ErrTemporarilyUnavailable)
	assert.Equal(t, "temporarily_unavailable", ErrorKind(err))

	c, found := h.stored(t, testfixtures.Alice)
	require.True(t, found)
	assert.Equal(t, original, c)
}

func TestAcquireUsableToken_ProviderTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, WithCallTimeout(20*time.Millisecond))
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", h.clock.Now().Add(-time.Minute)))
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.ErrorIs(t, err, ErrTemporarilyUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, found := h.stored(t, testfixtures.Alice)
	assert.True(t, found)
}

func TestAcquireUsableToken_RefreshSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", now.Add(-time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	h.provider.RefreshFunc = func(pctx context.Context, refreshToken string) (*oauth2.Token, error) {
		cancel()
		if err := pctx.Err(); err != nil {
			return nil, err
		}
		return &oauth2.Token{AccessToken: "ya29.new", Expiry: now.Add(time.Hour)}, nil
	}

	_, err := h.manager.AcquireUsableToken(ctx, testfixtures.Alice)
	require.NoError(t, err)

	c, _ := h.stored(t, testfixtures.Alice)
	assert.Equal(t, "ya29.new", c.AccessToken)
}

func TestAcquireUsableToken_ConcurrentReplaceKeepsWinner(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.old", now.Add(-time.Minute)))
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		// another request refreshes first
		require.NoError(t, h.store.MemoryCredentialStore.Upsert(ctx, testfixtures.Alice, calendarCredential("ya29.winner", now.Add(time.Hour))))
		return &oauth2.Token{AccessToken: "ya29.loser", Expiry: now.Add(time.Hour)}, nil
	}

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.Equal(t, "ya29.loser", res.AccessToken)

	c, _ := h.stored(t, testfixtures.Alice)
	assert.Equal(t, "ya29.winner", c.AccessToken)
}

func TestAcquireUsableToken_NoExpiryIsValidUntilRejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.forever", time.Time{}))
	h.provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "ya29.lazy"}, nil
	}
	ctx := context.Background()

	h.clock.Advance(72 * time.Hour)
	res, err := h.manager.AcquireUsableToken(ctx, testfixtures.Alice)
	require.NoError(t, err)
	assert.Equal(t, "ya29.forever", res.AccessToken)
	assert.Zero(t, h.provider.Refreshes())

	res, err = h.manager.RefreshRejected(ctx, testfixtures.Alice, "ya29.forever")
	require.NoError(t, err)
	assert.Equal(t, "ya29.lazy", res.AccessToken)
	assert.Equal(t, 1, h.provider.Refreshes())

	// a second rejection report for the old token does not refresh again
	res, err = h.manager.RefreshRejected(ctx, testfixtures.Alice, "ya29.forever")
	require.NoError(t, err)
	assert.Equal(t, "ya29.lazy", res.AccessToken)
	assert.Equal(t, 1, h.provider.Refreshes())
}

func TestAcquireUsableToken_MissingScopePrompts(t *testing.T) {
	h := newHarness(t)
	c := calendarCredential("ya29.narrow", h.clock.Now().Add(time.Hour))
	c.Scopes = []string{"openid"}
	h.seed(t, testfixtures.Alice, c)

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.True(t, res.NeedsAuthorization())
	assert.False(t, res.Revoked)

	_, found := h.stored(t, testfixtures.Alice)
	assert.True(t, found)
}

func TestAcquireUsableToken_ExpiredWithoutRefreshTokenPrompts(t *testing.T) {
	h := newHarness(t)
	c := calendarCredential("ya29.short", h.clock.Now().Add(-time.Minute))
	c.RefreshToken = ""
	h.seed(t, testfixtures.Alice, c)

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.True(t, res.NeedsAuthorization())
	assert.Zero(t, h.provider.Refreshes())
}

func TestAcquireUsableToken_CorruptCredentialIsDiscarded(t *testing.T) {
	h := newHarness(t)
	var deleted bool
	h.store.GetFunc = func(ctx context.Context, u user.ChatUser) (Credential, bool, error) {
		return Credential{}, true, ErrCredentialCorrupt
	}
	h.store.DeleteFunc = func(ctx context.Context, u user.ChatUser) error {
		deleted = true
		return nil
	}

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.True(t, res.NeedsAuthorization())
	assert.True(t, deleted)
}

func TestAcquireUsableToken_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.GetFunc = func(ctx context.Context, u user.ChatUser) (Credential, bool, error) {
		return Credential{}, false, errors.New("connection reset")
	}

	_, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCallback_StoresCredentialAndConsumesState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var gotVerifier string
	h.provider.ExchangeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		gotVerifier = verifier
		tok := &oauth2.Token{AccessToken: "ya29.first", RefreshToken: "1//first", Expiry: h.clock.Now().Add(time.Hour)}
		return tok.WithExtra(map[string]any{"scope": ScopeCalendar + " " + ScopeCalendarEvents}), nil
	}

	prompt, err := h.manager.AcquireUsableToken(ctx, testfixtures.Alice)
	require.NoError(t, err)

	owner, err := h.manager.Callback(ctx, testfixtures.AuthCode, prompt.State)
	require.NoError(t, err)
	assert.Equal(t, testfixtures.Alice, owner)
	assert.NotEmpty(t, gotVerifier)

	c, found := h.stored(t, testfixtures.Alice)
	require.True(t, found)
	assert.Equal(t, "ya29.first", c.AccessToken)
	assert.Equal(t, "1//first", c.RefreshToken)

	_, err = h.manager.Callback(ctx, testfixtures.AuthCode, prompt.State)
	assert.ErrorIs(t, err, ErrInvalidState, "state tokens are single use")
	assert.Equal(t, 1, h.provider.Exchanges())

	res, err := h.manager.AcquireUsableToken(ctx, testfixtures.Alice)
	require.NoError(t, err)
	assert.Equal(t, "ya29.first", res.AccessToken)
}

func TestCallback_UnknownStateWritesNothing(t *testing.T) {
	h := newHarness(t)
	var writes int
	h.store.UpsertFunc = func(ctx context.Context, u user.ChatUser, c Credential) error {
		writes++
		return nil
	}

	for _, state := range []string{"", "short", "this-state-was-never-issued-by-the-bot-0123456789"} {
		_, err := h.manager.Callback(context.Background(), testfixtures.AuthCode, state)
		assert.ErrorIs(t, err, ErrInvalidState, state)
	}
	assert.Zero(t, writes)
	assert.Zero(t, h.provider.Exchanges())
}

func TestCallback_ExpiredState(t *testing.T) {
	h := newHarness(t, WithFlowTTL(time.Minute))
	prompt, err := h.manager.BeginAuthorization(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.manager.Callback(context.Background(), testfixtures.AuthCode, prompt.State)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, h.provider.Exchanges())
}

func TestCallback_RejectedCode(t *testing.T) {
	h := newHarness(t)
	h.provider.ExchangeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		return nil, ErrGrantRevoked
	}
	prompt, err := h.manager.BeginAuthorization(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	_, err = h.manager.Callback(context.Background(), testfixtures.AuthCode, prompt.State)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	_, found := h.stored(t, testfixtures.Alice)
	assert.False(t, found)
}

func TestCallback_ExchangeUnavailable(t *testing.T) {
	h := newHarness(t)
	h.provider.ExchangeFunc = func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
		return nil, errors.New("i/o timeout")
	}
	prompt, err := h.manager.BeginAuthorization(context.Background(), testfixtures.Alice)
	require.NoError(t, err)

	_, err = h.manager.Callback(context.Background(), testfixtures.AuthCode, prompt.State)
	assert.ErrorIs(t, err, ErrTemporarilyUnavailable)
}

func TestAuthorizationURLAndAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	prompt, err := h.manager.BeginAuthorization(ctx, testfixtures.Bob)
	require.NoError(t, err)

	u, err := h.manager.AuthorizationURL(ctx, prompt.State)
	require.NoError(t, err)
	assert.Equal(t, prompt.AuthURL, u)

	require.NoError(t, h.manager.Abandon(ctx, prompt.State))
	_, err = h.manager.AuthorizationURL(ctx, prompt.State)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, h.manager.Abandon(ctx, prompt.State), ErrInvalidState)
}

func TestManager_UsersAreIsolated(t *testing.T) {
	h := newHarness(t)
	h.seed(t, testfixtures.Alice, calendarCredential("ya29.alice", h.clock.Now().Add(time.Hour)))

	res, err := h.manager.AcquireUsableToken(context.Background(), testfixtures.Bob)
	require.NoError(t, err)
	assert.True(t, res.NeedsAuthorization())

	res, err = h.manager.AcquireUsableToken(context.Background(), testfixtures.Alice)
	require.NoError(t, err)
	assert.Equal(t, "ya29.alice", res.AccessToken)
}
