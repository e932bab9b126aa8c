package auth

import (
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator(map[string]string{"svc": "secret"}, time.Minute, func() time.Time { return now })

	body := []byte(`{"amount":3}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest("POST", "/api/v1/stakes", nil)
	req.Header.Set(HeaderAPIKey, "svc")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature("secret", ts, "nonce-1", "POST", "/api/v1/stakes", body)))

	principal, err := a.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "svc" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator(map[string]string{"svc": "secret"}, time.Minute, func() time.Time { return now })

	body := []byte(`{"amount":3}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest("POST", "/api/v1/stakes", nil)
	req.Header.Set(HeaderAPIKey, "svc")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature("wrong", ts, "nonce-1", "POST", "/api/v1/stakes", body)))

	if _, err := a.Authenticate(req, body); err == nil {
		t.Fatal("expected signature rejection")
	}
}

func TestAuthenticateRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator(map[string]string{"svc": "secret"}, time.Minute, func() time.Time { return now })

	stale := now.Add(-5 * time.Minute)
	ts := strconv.FormatInt(stale.Unix(), 10)
	req := httptest.NewRequest("POST", "/api/v1/stakes", nil)
	req.Header.Set(HeaderAPIKey, "svc")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature("secret", ts, "nonce-1", "POST", "/api/v1/stakes", nil)))

	if _, err := a.Authenticate(req, nil); err == nil {
		t.Fatal("expected stale timestamp rejection")
	}
}

func TestAuthenticateRejectsNonceReuse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator(map[string]string{"svc": "secret"}, time.Minute, func() time.Time { return now })

	ts := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(ComputeSignature("secret", ts, "nonce-1", "POST", "/api/v1/stakes", nil))
	req := httptest.NewRequest("POST", "/api/v1/stakes", nil)
	req.Header.Set(HeaderAPIKey, "svc")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, sig)

	if _, err := a.Authenticate(req, nil); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := a.Authenticate(req, nil); err == nil {
		t.Fatal("expected nonce reuse rejection")
	}
}

func TestNonceWindowDetectsReuseWhenFull(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator(map[string]string{"svc": "secret"}, time.Minute, func() time.Time { return now })

	// Overfill the window; eviction must drop old entries, not detection.
	for i := 0; i <= maxNonceCount; i++ {
		nonce := "nonce-" + strconv.Itoa(i)
		if a.seenNonce("svc", nonce, now.Add(time.Duration(i))) {
			t.Fatalf("fresh nonce %s reported as reused", nonce)
		}
	}

	newest := "nonce-" + strconv.Itoa(maxNonceCount)
	if !a.seenNonce("svc", newest, now) {
		t.Fatal("recent nonce reuse not detected with a full window")
	}
}

func TestEnabled(t *testing.T) {
	if NewAuthenticator(nil, 0, nil).Enabled() {
		t.Fatal("authenticator without secrets must be disabled")
	}
	if !NewAuthenticator(map[string]string{"svc": "secret"}, 0, nil).Enabled() {
		t.Fatal("authenticator with secrets must be enabled")
	}
}
