package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyReturnsCallerAndRefreshesOnRotation(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)

	var active atomic.Value
	active.Store("kid-1")
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.gap = 0

	caller, err := v.Verify(context.Background(), sign(t, key1, "kid-1", claims("0xowner", time.Now())))
	if err != nil || caller.ID != "0xowner" || caller.Source != SourceUser {
		t.Fatalf("verify kid-1: caller=%+v err=%v", caller, err)
	}

	active.Store("kid-2")
	caller, err = v.Verify(context.Background(), sign(t, key2, "kid-2", claims("0xaddr1", time.Now())))
	if err != nil || caller.ID != "0xaddr1" {
		t.Fatalf("verify kid-2 after rotation: caller=%+v err=%v", caller, err)
	}
}

func TestVerifyThrottlesUnknownKidRefresh(t *testing.T) {
	key := generateKey(t)
	var fetches atomic.Int32
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), sign(t, key, "kid-unknown", claims("0xowner", time.Now())))
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("jwks fetched %d times, want 1", got)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	key := generateKey(t)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	future := claims("0xowner", time.Now())
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))

	wrongAud := claims("0xowner", time.Now())
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}

	noSubject := claims("", time.Now())

	noExpiry := claims("0xowner", time.Now())
	noExpiry.ExpiresAt = nil

	tests := map[string]string{
		"future iat":      sign(t, key, "kid-1", future),
		"wrong audience":  sign(t, key, "kid-1", wrongAud),
		"missing subject": sign(t, key, "kid-1", noSubject),
		"missing expiry":  sign(t, key, "kid-1", noExpiry),
		"garbage":         "not-a-jwt",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"":                      0,
		"public, max-age=60":    time.Minute,
		"no-cache":              0,
		"MAX-AGE=5, must-reval": 5 * time.Second,
		"max-age=bogus":         0,
	}
	for in, want := range tests {
		if got := maxAge(in); got != want {
			t.Fatalf("maxAge(%q) = %v, want %v", in, got, want)
		}
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func claims(subject string, now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "issuer-a",
		Audience:  jwt.ClaimStrings{"aud-a"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, c jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
