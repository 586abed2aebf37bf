package veracode

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	authScheme     = "VERACODE-HMAC-SHA-256"
	requestVersion = "vcode_request_version_1"
	nonceSize      = 16
)

// Signer produces Veracode HMAC authorization headers.
type Signer struct {
	creds Credentials
	now   func() time.Time
	rand  io.Reader
}

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithEntropy overrides the nonce source.
func WithEntropy(r io.Reader) SignerOption {
	return func(s *Signer) { s.rand = r }
}

// NewSigner validates creds and returns a Signer.
func NewSigner(creds Credentials, opts ...SignerOption) (*Signer, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	s := &Signer{creds: creds, now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewSignerFromEnv resolves credentials from the environment or the
// credentials file at path.
func NewSignerFromEnv(path string) (*Signer, error) {
	creds, err := ResolveCredentials(path)
	if err != nil {
		return nil, err
	}
	return NewSigner(creds)
}

// Sign returns the Authorization header value for a request to host with the
// given request URI (path plus query) and method.
func (s *Signer) Sign(host, uri, method string) (string, error) {
	if s == nil {
		return "", &AuthError{Err: errors.New("no credentials configured")}
	}
	secret, err := hex.DecodeString(s.creds.Secret)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("api key secret is not hex: %w", err)}
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	data := fmt.Sprintf("id=%s&host=%s&url=%s&method=%s",
		strings.ToLower(s.creds.KeyID), strings.ToLower(host), uri, strings.ToUpper(method))

	kNonce := mac(secret, nonce)
	kDate := mac(kNonce, []byte(ts))
	kSig := mac(kDate, []byte(requestVersion))
	sig := hex.EncodeToString(mac(kSig, []byte(data)))

	return fmt.Sprintf("%s id=%s,ts=%s,nonce=%s,sig=%s",
		authScheme, s.creds.KeyID, ts, hex.EncodeToString(nonce), sig), nil
}

func mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
