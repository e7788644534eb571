// Package servicetoken issues and checks delegated caller tokens: short-lived
// RS256 JWTs a trusted front service signs on behalf of an already
// authenticated caller. The subject is the caller identity.
package servicetoken

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"bookrecord/pkg/domain"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "delegation-active"
	// DefaultAudience is the audience the ledger service accepts.
	DefaultAudience = "bookledger"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid delegated token")

// SignerOptions configures a Signer.
type SignerOptions struct {
	PrivateKeyPath string
	PrivateKey     *rsa.PrivateKey
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// Signer mints delegated tokens.
type Signer struct {
	issuer string
	ttl    time.Duration
	kid    string
	key    *rsa.PrivateKey
	now    func() time.Time
}

// NewSigner loads the private key and returns a signer.
func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("delegated token issuer is required")
	}
	key := opts.PrivateKey
	if key == nil {
		path := strings.TrimSpace(opts.PrivateKeyPath)
		if path == "" {
			return nil, errors.New("delegated token private key is required")
		}
		var err error
		if key, err = LoadPrivateKey(path); err != nil {
			return nil, fmt.Errorf("load delegated private key: %w", err)
		}
	}
	s := &Signer{
		issuer: issuer,
		ttl:    opts.TTL,
		kid:    strings.TrimSpace(opts.KeyID),
		key:    key,
		now:    time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	return s, nil
}

// Sign issues a token asserting subject for audience.
func (s *Signer) Sign(subject, audience string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("delegated token subject is required")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("delegated token audience is required")
	}
	now := s.now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// VerifierOptions configures a Verifier. PublicKeyPath is registered under
// DefaultKeyID; VerifyPublicKeys adds more kids for rotation.
type VerifierOptions struct {
	PublicKeyPath    string
	VerifyPublicKeys map[string]string
	DefaultKeyID     string
	Audience         string
	AllowedIssuers   []string
	Leeway           time.Duration
	// Revocations, when set, is consulted after the signature checks.
	// Lookup failures reject the token.
	Revocations RevocationList
}

// Verifier accepts delegated tokens from an issuer allowlist.
type Verifier struct {
	audience string
	issuers  map[string]struct{}
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
	revoked  RevocationList
}

// NewVerifier loads every configured public key.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		audience: strings.TrimSpace(opts.Audience),
		issuers:  make(map[string]struct{}),
		leeway:   opts.Leeway,
		keys:     make(map[string]*rsa.PublicKey),
		revoked:  opts.Revocations,
	}
	if v.audience == "" {
		v.audience = DefaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}
	for _, iss := range opts.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			v.issuers[iss] = struct{}{}
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one delegated issuer is required")
	}

	defaultKid := strings.TrimSpace(opts.DefaultKeyID)
	if defaultKid == "" {
		defaultKid = DefaultKeyID
	}
	paths := make(map[string]string, len(opts.VerifyPublicKeys)+1)
	if p := strings.TrimSpace(opts.PublicKeyPath); p != "" {
		paths[defaultKid] = p
	}
	for kid, p := range opts.VerifyPublicKeys {
		kid, p = strings.TrimSpace(kid), strings.TrimSpace(p)
		if kid != "" && p != "" {
			paths[kid] = p
		}
	}
	for kid, p := range paths {
		pub, err := LoadPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("load delegated verify key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("delegated token verifier requires a public key")
	}
	return v, nil
}

// Verify checks signature, lifetime, audience, issuer and revocation, and
// returns the caller named by the subject. Source records the issuing service.
func (v *Verifier) Verify(ctx context.Context, token string) (domain.Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Caller{}, fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := v.keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return domain.Caller{}, fmt.Errorf("%w: issuer %q not allowed", ErrInvalidToken, claims.Issuer)
	}
	if claims.ID == "" {
		return domain.Caller{}, fmt.Errorf("%w: jti required", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Caller{}, fmt.Errorf("%w: subject required", ErrInvalidToken)
	}
	if v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return domain.Caller{}, fmt.Errorf("%w: revocation lookup: %v", ErrInvalidToken, err)
		}
		if revoked {
			return domain.Caller{}, fmt.Errorf("%w: token revoked", ErrInvalidToken)
		}
	}
	return domain.Caller{ID: claims.Subject, Source: "delegated:" + claims.Issuer}, nil
}

// Unverified reads jti and expiry without checking the signature. It is
// meant for revoking a token the caller already holds.
func Unverified(token string) (jti string, expiresAt time.Time, err error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return "", time.Time{}, err
	}
	if claims.ID == "" {
		return "", time.Time{}, errors.New("token has no jti")
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return claims.ID, expiresAt, nil
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
