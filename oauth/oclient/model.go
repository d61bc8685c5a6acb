package oclient

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/Seann-Moser/meetbot/user"
	"golang.org/x/oauth2"
)

// Credential is the delegated grant held for one ChatUser.
type Credential struct {
	AccessToken  string
	RefreshToken string    // empty when the provider never issued one
	Expiry       time.Time // zero when the provider reported no lifetime
	Scopes       []string
}

func (c Credential) HasExpiry() bool {
	return !c.Expiry.IsZero()
}

// ExpiresWithin reports whether the access token is expired at now or will be
// within skew. Credentials without an expiry never report true.
func (c Credential) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if !c.HasExpiry() {
		return false
	}
	return !now.Add(skew).Before(c.Expiry)
}

func (c Credential) HasScopes(required ...string) bool {
	for _, s := range required {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Digest fingerprints the access token so stores can compare-and-replace on it
// without keeping the token in clear text.
func (c Credential) Digest() string {
	return TokenDigest(c.AccessToken)
}

func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// credentialFromToken converts a provider response into a Credential. Fields the
// provider left out of a refresh response are carried over from prev.
func credentialFromToken(tok *oauth2.Token, prev Credential, requested []string) Credential {
	c := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UTC(),
	}
	if c.RefreshToken == "" {
		c.RefreshToken = prev.RefreshToken
	}
	if raw, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(raw) != "" {
		c.Scopes = strings.Fields(raw)
	} else if len(prev.Scopes) > 0 {
		c.Scopes = slices.Clone(prev.Scopes)
	} else {
		c.Scopes = slices.Clone(requested)
	}
	return c
}

// Flow is the pending half of an authorization: the state token maps back to
// the ChatUser that asked and the PKCE verifier for the code exchange.
type Flow struct {
	User      user.ChatUser `json:"user"`
	Verifier  string        `json:"verifier"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// TokenResult is what AcquireUsableToken hands back when it does not fail:
// either a usable access token or a place to send the user for consent.
type TokenResult struct {
	AccessToken string
	AuthURL     string
	State       string
	// Revoked is set when the prompt replaces a grant the provider no longer honours.
	Revoked bool
}

func (r TokenResult) NeedsAuthorization() bool {
	return r.AccessToken == ""
}
