package oclient

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the raw key accepted by NewAESSealer.
const KeySize = 32

const sealInfo = "meetbot oauth token encryption v1"

// Sealer encrypts tokens before they reach a persistent store.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// AESSealer is AES-256-GCM with a random nonce prefixed to the ciphertext.
// The cipher key is derived from the configured key with HKDF-SHA256, so the
// configured key is never used directly.
type AESSealer struct {
	aead cipher.AEAD
}

func NewAESSealer(key []byte) (*AESSealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(sealInfo)), derived); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSealer{aead: aead}, nil
}

// ParseKey decodes a standard base64 key as printed by cmd/genkey.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("seal: key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key encoded for ParseKey.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal leaves the empty string empty so absent refresh tokens stay absent.
func (s *AESSealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *AESSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCredentialCorrupt)
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	return string(plain), nil
}

// PlainSealer stores tokens unchanged. Only for tests and throwaway setups.
type PlainSealer struct{}

func (PlainSealer) Seal(plain string) (string, error) { return plain, nil }
func (PlainSealer) Open(sealed string) (string, error) { return sealed, nil }
