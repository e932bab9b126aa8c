// Package auth verifies API key + HMAC-SHA256 signatures on requests from
// the messaging service and the deposit oracle. Replay protection combines a
// bounded timestamp skew with a per-key nonce window.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the largest body the authenticator will hash.
	MaxBodyForSignature = 1 << 20

	defaultSkew   = 2 * time.Minute
	maxNonceCount = 4096
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies signed requests against a set of shared secrets.
type Authenticator struct {
	secrets map[string]string
	skew    time.Duration
	now     func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator keyed by API key identifier.
func NewAuthenticator(secrets map[string]string, skew time.Duration, now func() time.Time) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secrets: cloned,
		skew:    skew,
		now:     now,
		nonces:  make(map[string]time.Time),
	}
}

// Enabled reports whether any secrets are configured. With none, requests
// pass through unauthenticated (development mode).
func (a *Authenticator) Enabled() bool { return len(a.secrets) > 0 }

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.now().UTC()
	drift := now.Sub(time.Unix(unix, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(secret, tsHeader, nonce, r.Method, r.URL.Path, body)
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.seenNonce(apiKey, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

// ComputeSignature derives the HMAC-SHA256 signature for a request.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}

func (a *Authenticator) seenNonce(apiKey, nonce string, now time.Time) bool {
	key := apiKey + "|" + nonce
	cutoff := now.Add(-2 * a.skew)

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, k)
		}
	}
	if _, dup := a.nonces[key]; dup {
		return true
	}
	if len(a.nonces) >= maxNonceCount {
		// Evict the oldest entry so recent nonces stay covered even when the
		// window is full.
		var oldestKey string
		var oldestSeen time.Time
		for k, seen := range a.nonces {
			if oldestKey == "" || seen.Before(oldestSeen) {
				oldestKey, oldestSeen = k, seen
			}
		}
		delete(a.nonces, oldestKey)
	}
	a.nonces[key] = now
	return false
}
