package oclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/Seann-Moser/meetbot/logging"
	"github.com/Seann-Moser/meetbot/user"
	"golang.org/x/oauth2"
)

const (
	DefaultCallTimeout = 5 * time.Second
	DefaultRefreshSkew = 5 * time.Minute
	DefaultFlowTTL     = 10 * time.Minute

	stateBytes = 32
)

var (
	statePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{32,128}$`)
	codePattern  = regexp.MustCompile(`^[A-Za-z0-9._/-]{10,200}$`)
)

// Manager owns the lifecycle of every delegated credential: starting consent,
// completing it, refreshing silently and dropping grants the provider revoked.
// It is the only component that asks the CredentialStore to write.
type Manager struct {
	store    CredentialStore
	flows    FlowStore
	provider Provider
	logger   *slog.Logger

	now            func() time.Time
	callTimeout    time.Duration
	refreshSkew    time.Duration
	flowTTL        time.Duration
	requiredScopes []string
}

type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithCallTimeout bounds each provider round trip.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// WithRefreshSkew makes tokens that expire within d count as expired already.
func WithRefreshSkew(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.refreshSkew = d
		}
	}
}

func WithFlowTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.flowTTL = d
		}
	}
}

// WithRequiredScopes lists scopes a stored grant must include to be used.
func WithRequiredScopes(scopes ...string) ManagerOption {
	return func(m *Manager) {
		m.requiredScopes = slices.Clone(scopes)
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

func NewManager(store CredentialStore, flows FlowStore, provider Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		flows:          flows,
		provider:       provider,
		now:            time.Now,
		callTimeout:    DefaultCallTimeout,
		refreshSkew:    DefaultRefreshSkew,
		flowTTL:        DefaultFlowTTL,
		requiredScopes: []string{ScopeCalendarEvents},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) log(ctx context.Context, operation string, u user.ChatUser) *slog.Logger {
	return logging.Logger(ctx, m.logger).With("component", "oauth", "operation", operation, "chat_user", u.Key())
}

// AcquireUsableToken returns an access token that is valid now, refreshing it
// first when needed. When no usable grant exists the result carries an
// authorization URL instead. A non-nil error is always transient from the
// user's point of view: ErrTemporarilyUnavailable or ErrStoreUnavailable.
func (m *Manager) AcquireUsableToken(ctx context.Context, u user.ChatUser) (TokenResult, error) {
	now := m.now()
	logger := m.log(ctx, "acquire", u)

	cred, found, err := m.store.Get(ctx, u)
	switch {
	case errors.Is(err, ErrCredentialCorrupt):
		logger.WarnContext(ctx, "discarding unreadable credential", "error_kind", ErrorKind(err))
		if err := m.store.Delete(ctx, u); err != nil {
			return TokenResult{}, storeErr(err)
		}
		return m.begin(ctx, u, now)
	case err != nil:
		return TokenResult{}, storeErr(err)
	case !found:
		return m.begin(ctx, u, now)
	case !cred.HasScopes(m.requiredScopes...):
		logger.InfoContext(ctx, "stored grant lacks required scopes", "scopes", cred.Scopes)
		return m.begin(ctx, u, now)
	case !cred.ExpiresWithin(now, m.refreshSkew):
		return TokenResult{AccessToken: cred.AccessToken}, nil
	}
	return m.refresh(ctx, u, cred, now)
}

// RefreshRejected is called after a downstream API refused accessToken. It is
// how grants without a recorded expiry find out they have expired.
func (m *Manager) RefreshRejected(ctx context.Context, u user.ChatUser, accessToken string) (TokenResult, error) {
	now := m.now()

	cred, found, err := m.store.Get(ctx, u)
	switch {
	case errors.Is(err, ErrCredentialCorrupt):
		if err := m.store.Delete(ctx, u); err != nil {
			return TokenResult{}, storeErr(err)
		}
		return m.begin(ctx, u, now)
	case err != nil:
		return TokenResult{}, storeErr(err)
	case !found:
		return m.begin(ctx, u, now)
	case cred.AccessToken != accessToken:
		// another request refreshed in the meantime
		return TokenResult{AccessToken: cred.AccessToken}, nil
	}
	return m.refresh(ctx, u, cred, now)
}

func (m *Manager) refresh(ctx context.Context, u user.ChatUser, cred Credential, now time.Time) (TokenResult, error) {
	logger := m.log(ctx, "refresh", u)

	if cred.RefreshToken == "" {
		logger.InfoContext(ctx, "expired grant has no refresh token")
		if err := m.store.Delete(ctx, u); err != nil {
			return TokenResult{}, storeErr(err)
		}
		return m.begin(ctx, u, now)
	}

	pctx, cancel := m.detach(ctx)
	tok, err := m.provider.Refresh(pctx, cred.RefreshToken)
	cancel()

	if errors.Is(err, ErrGrantRevoked) {
		wctx, wcancel := m.detach(ctx)
		defer wcancel()
		if err := m.store.Delete(wctx, u); err != nil {
			return TokenResult{}, storeErr(err)
		}
		logger.InfoContext(ctx, "grant revoked by provider, credential removed", "error_kind", ErrorKind(ErrReauthorizationRequired))
		res, err := m.begin(ctx, u, now)
		if err != nil {
			return TokenResult{}, err
		}
		res.Revoked = true
		return res, nil
	}
	if err != nil {
		logger.WarnContext(ctx, "refresh failed, keeping credential", "error", err, "error_kind", ErrorKind(err))
		return TokenResult{}, transient(err)
	}

	next := credentialFromToken(tok, cred, m.provider.Scopes())
	wctx, wcancel := m.detach(ctx)
	defer wcancel()
	err = m.store.Replace(wctx, u, cred.AccessToken, next)
	if errors.Is(err, ErrCredentialChanged) {
		// A concurrent refresh or re-authorization won. The token we hold is
		// still valid for this request.
		logger.DebugContext(ctx, "credential replaced concurrently")
		err = nil
	}
	if err != nil {
		return TokenResult{}, storeErr(err)
	}
	return TokenResult{AccessToken: next.AccessToken}, nil
}

// BeginAuthorization always starts a new consent flow, even when a usable
// grant exists.
func (m *Manager) BeginAuthorization(ctx context.Context, u user.ChatUser) (TokenResult, error) {
	return m.begin(ctx, u, m.now())
}

func (m *Manager) begin(ctx context.Context, u user.ChatUser, now time.Time) (TokenResult, error) {
	state, err := newState()
	if err != nil {
		return TokenResult{}, err
	}
	verifier := oauth2.GenerateVerifier()
	f := Flow{User: u, Verifier: verifier, ExpiresAt: now.Add(m.flowTTL)}
	if err := m.flows.Put(ctx, state, f, m.flowTTL); err != nil {
		return TokenResult{}, storeErr(err)
	}
	return TokenResult{
		AuthURL: m.provider.AuthCodeURL(state, verifier),
		State:   state,
	}, nil
}

// AuthorizationURL rebuilds the consent URL of a pending flow without consuming it.
func (m *Manager) AuthorizationURL(ctx context.Context, state string) (string, error) {
	if !statePattern.MatchString(state) {
		return "", ErrInvalidState
	}
	f, ok, err := m.flows.Peek(ctx, state)
	if err != nil {
		return "", storeErr(err)
	}
	if !ok || !m.now().Before(f.ExpiresAt) {
		return "", ErrInvalidState
	}
	return m.provider.AuthCodeURL(state, f.Verifier), nil
}

// Callback completes a consent flow. The state is consumed whatever the
// outcome, so a replayed callback always fails with ErrInvalidState.
func (m *Manager) Callback(ctx context.Context, code, state string) (owner user.ChatUser, err error) {
	now := m.now()
	logger := logging.Logger(ctx, m.logger).With("component", "oauth", "operation", "callback")
	defer func() {
		if err != nil {
			logger.WarnContext(ctx, "authorization callback failed", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "authorization completed", "chat_user", owner.Key())
	}()

	if !statePattern.MatchString(state) {
		err = ErrInvalidState
		return
	}
	f, ok, terr := m.flows.Take(ctx, state)
	if terr != nil {
		err = storeErr(terr)
		return
	}
	if !ok || !now.Before(f.ExpiresAt) {
		err = ErrInvalidState
		return
	}
	if !codePattern.MatchString(code) {
		err = fmt.Errorf("%w: malformed authorization code", ErrInvalidState)
		return
	}

	pctx, cancel := m.detach(ctx)
	tok, xerr := m.provider.Exchange(pctx, code, f.Verifier)
	cancel()
	if errors.Is(xerr, ErrGrantRevoked) {
		err = fmt.Errorf("%w: %v", ErrReauthorizationRequired, xerr)
		return
	}
	if xerr != nil {
		err = transient(xerr)
		return
	}

	cred := credentialFromToken(tok, Credential{}, m.provider.Scopes())
	wctx, wcancel := m.detach(ctx)
	defer wcancel()
	if uerr := m.store.Upsert(wctx, f.User, cred); uerr != nil {
		err = storeErr(uerr)
		return
	}
	owner = f.User
	return
}

// Abandon consumes a pending flow the provider reported as denied or failed.
func (m *Manager) Abandon(ctx context.Context, state string) error {
	if !statePattern.MatchString(state) {
		return ErrInvalidState
	}
	_, ok, err := m.flows.Take(ctx, state)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return ErrInvalidState
	}
	return nil
}

// detach lets a provider call or the write that follows it finish after the
// caller has gone away, within the call timeout.
func (m *Manager) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
}

func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func storeErr(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func transient(err error) error {
	if errors.Is(err, ErrTemporarilyUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
}
