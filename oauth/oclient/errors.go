package oclient

import (
	"context"
	"errors"
)

var (
	// ErrInvalidState means the callback state is unknown, expired or already used.
	ErrInvalidState = errors.New("oauth: authorization state invalid or expired")
	// ErrReauthorizationRequired means the provider rejected the grant and the
	// user has to consent again.
	ErrReauthorizationRequired = errors.New("oauth: re-authorization required")
	// ErrTemporarilyUnavailable covers provider timeouts, network errors and 5xx.
	ErrTemporarilyUnavailable = errors.New("oauth: provider temporarily unavailable")
	ErrStoreUnavailable       = errors.New("oauth: credential store unavailable")

	// ErrCredentialCorrupt is returned by stores when a record exists but cannot be decoded.
	ErrCredentialCorrupt = errors.New("oauth: stored credential unreadable")
	// ErrCredentialChanged is returned by Replace when the stored access token is
	// no longer the one the caller refreshed.
	ErrCredentialChanged = errors.New("oauth: credential changed concurrently")
	// ErrGrantRevoked is the provider-level signal behind ErrReauthorizationRequired.
	ErrGrantRevoked = errors.New("oauth: grant revoked by provider")
)

// ErrorKind gives a stable label for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrReauthorizationRequired), errors.Is(err, ErrGrantRevoked):
		return "reauthorization_required"
	case errors.Is(err, ErrTemporarilyUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "temporarily_unavailable"
	case errors.Is(err, ErrCredentialCorrupt):
		return "credential_corrupt"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
