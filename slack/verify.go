package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"

	signatureVersion = "v0"

	// DefaultMaxSkew is how far a request timestamp may drift from the local
	// clock, in either direction, before the request counts as a replay.
	DefaultMaxSkew = 300 * time.Second
)

var (
	ErrSignatureInvalid = errors.New("slack: request signature does not match")
	ErrStaleTimestamp   = errors.New("slack: request timestamp outside the freshness window")
	ErrMalformedHeaders = errors.New("slack: signature headers missing or malformed")
)

// Verifier checks that an inbound request was signed with the shared signing
// secret and is recent. It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

type VerifierOption func(*Verifier)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxSkew = d
		}
	}
}

func NewVerifier(secret []byte, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret:  append([]byte(nil), secret...),
		maxSkew: DefaultMaxSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify accepts the request when it returns nil. The signature and the
// freshness checks both run on every call; when both fail the signature error
// is reported.
func (v *Verifier) Verify(body []byte, h http.Header) error {
	now := v.now()

	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	sig := strings.TrimSpace(h.Get(HeaderSignature))
	if rawTS == "" || sig == "" {
		return ErrMalformedHeaders
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return ErrMalformedHeaders
	}

	expected := computeSignature(v.secret, rawTS, body)
	signatureOK := hmac.Equal([]byte(sig), []byte(expected))

	// bounds are computed from now so no arithmetic touches the untrusted ts
	maxSkew := int64(v.maxSkew / time.Second)
	fresh := ts >= now.Unix()-maxSkew && ts <= now.Unix()+maxSkew

	if !signatureOK {
		return ErrSignatureInvalid
	}
	if !fresh {
		return ErrStaleTimestamp
	}
	return nil
}

// Sign produces the header value a sender holding secret would attach for the
// given timestamp and body.
func Sign(secret []byte, timestamp int64, body []byte) string {
	return computeSignature(secret, strconv.FormatInt(timestamp, 10), body)
}

func computeSignature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
