// Package usertoken verifies end-user access tokens against a JWKS endpoint
// and turns the subject into a ledger caller.
package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookrecord/pkg/domain"
)

// SourceUser marks callers authenticated with a user access token.
const SourceUser = "user"

const (
	defaultIssuer   = "bookledger-auth"
	defaultAudience = "bookledger"
	defaultLeeway   = 30 * time.Second
	defaultKeysTTL  = 5 * time.Minute
	minRefreshGap   = 10 * time.Second
)

var (
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid user token")

	errUnknownKey = errors.New("unknown signing key")
)

// Config configures the verifier.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier checks RS256 tokens whose kid appears in the JWKS document.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	jwksURL  string
	client   *http.Client
	now      func() time.Time
	gap      time.Duration

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	expires     time.Time
	lastRefresh time.Time
	refreshMu   sync.Mutex
}

// NewVerifier builds a verifier and loads the key set once.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("user token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:   firstNonEmpty(cfg.Issuer, defaultIssuer),
		audience: firstNonEmpty(cfg.Audience, defaultAudience),
		leeway:   cfg.Leeway,
		jwksURL:  jwksURL,
		client:   cfg.HTTPClient,
		now:      time.Now,
		gap:      minRefreshGap,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refresh(ctx, true); err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	return v, nil
}

// Verify validates token and returns the caller named by its subject.
func (v *Verifier) Verify(ctx context.Context, token string) (domain.Caller, error) {
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) || (err != nil && v.expired()) {
		if rerr := v.refresh(ctx, false); rerr != nil {
			return domain.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, rerr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Caller{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return domain.Caller{ID: subject, Source: SourceUser}, nil
}

func (v *Verifier) parse(token string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		v.mu.RLock()
		key, ok := v.keys[strings.TrimSpace(kid)]
		v.mu.RUnlock()
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	return claims, err
}

func (v *Verifier) expired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now().After(v.expires)
}

// refresh reloads the key set. Unforced refreshes are throttled so that a
// stream of tokens with bogus kids cannot hammer the JWKS endpoint.
func (v *Verifier) refresh(ctx context.Context, force bool) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	v.mu.RLock()
	recent := v.now().Sub(v.lastRefresh) < v.gap
	v.mu.RUnlock()
	if !force && recent {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultKeysTTL
	}
	now := v.now()
	v.mu.Lock()
	v.keys = keys
	v.expires = now.Add(ttl)
	v.lastRefresh = now
	v.mu.Unlock()
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(n))
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(e))
	if err != nil {
		return nil, err
	}
	modulus := new(big.Int).SetBytes(nb)
	exp := new(big.Int).SetBytes(eb)
	if modulus.Sign() <= 0 || !exp.IsInt64() || exp.Int64() <= 1 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: modulus, E: int(exp.Int64())}, nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func firstNonEmpty(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
