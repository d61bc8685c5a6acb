package oclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/oauth2"
)

const (
	ScopeCalendar       = "https://www.googleapis.com/auth/calendar"
	ScopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
)

// GoogleEndpoint is Google's OAuth2 endpoint with client credentials sent in
// the request body, which is what Google expects for web clients.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// ProviderConfig holds the client registration with the provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	// HTTPClient is used for token requests; http.DefaultClient when nil.
	HTTPClient *http.Client
}

var _ Provider = &OAuth2Provider{}

// OAuth2Provider talks to a standard OAuth2 token endpoint with PKCE.
type OAuth2Provider struct {
	cfg    *oauth2.Config
	client *http.Client
}

func NewProvider(pc ProviderConfig) *OAuth2Provider {
	if pc.Endpoint.TokenURL == "" {
		pc.Endpoint = GoogleEndpoint
	}
	if len(pc.Scopes) == 0 {
		pc.Scopes = []string{ScopeCalendar, ScopeCalendarEvents}
	}
	return &OAuth2Provider{
		cfg: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Endpoint:     pc.Endpoint,
			RedirectURL:  pc.RedirectURL,
			Scopes:       slices.Clone(pc.Scopes),
		},
		client: pc.HTTPClient,
	}
}

// AuthCodeURL asks for offline access and forces the consent screen so the
// provider issues a refresh token every time.
func (p *OAuth2Provider) AuthCodeURL(state, verifier string) string {
	return p.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := p.cfg.Exchange(p.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classify(err)
	}
	return tok, nil
}

func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, err := p.cfg.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}
	return tok, nil
}

func (p *OAuth2Provider) Scopes() []string {
	return slices.Clone(p.cfg.Scopes)
}

func (p *OAuth2Provider) context(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// classify splits provider failures into a revoked grant, which needs the user,
// and everything else, which is worth retrying later.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return fmt.Errorf("%w: %s", ErrGrantRevoked, re.ErrorDescription)
	}
	return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
}
