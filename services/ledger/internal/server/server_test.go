package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"bookrecord/internal/ratelimit"
	"bookrecord/internal/servicetoken"
	"bookrecord/internal/usertoken"
	"bookrecord/pkg/store"
	"bookrecord/services/ledger/internal/app"
)

type testEnv struct {
	url        string
	userKey    *rsa.PrivateKey
	delegation *servicetoken.Signer
}

type envOptions struct {
	rateLimit int
	objects   bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()

	userKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "user-1",
			"n":   base64.RawURLEncoding.EncodeToString(userKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(userKey.PublicKey.E)).Bytes()),
		}}})
	}))
	t.Cleanup(jwks.Close)
	users, err := usertoken.NewVerifier(ctx, usertoken.Config{JWKSURL: jwks.URL, Issuer: "bookledger-auth", Audience: "bookledger"})
	if err != nil {
		t.Fatalf("new user verifier: %v", err)
	}

	privatePath, publicPath := writeKeyPair(t)
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{PrivateKeyPath: privatePath, Issuer: "gateway"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	delegated, err := servicetoken.NewVerifier(servicetoken.VerifierOptions{PublicKeyPath: publicPath, AllowedIssuers: []string{"gateway"}})
	if err != nil {
		t.Fatalf("new delegated verifier: %v", err)
	}

	appCfg := app.Config{Store: store.NewMemoryStore()}
	if opts.objects {
		appCfg.Objects = &memoryObjects{}
	}
	core, err := app.New(ctx, appCfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })

	cfg := Config{
		App:       core,
		Verifiers: []CallerVerifier{users, DelegatedVerifier{delegated}},
	}
	if opts.rateLimit > 0 {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cfg.Limiter, err = ratelimit.NewFixedWindowLimiter(client, "test:mutations", opts.rateLimit, time.Minute)
		if err != nil {
			t.Fatalf("new limiter: %v", err)
		}
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{url: ts.URL, userKey: userKey, delegation: signer}
}

func (e *testEnv) userToken(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "bookledger-auth",
		Audience:  jwt.ClaimStrings{"bookledger"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	token.Header["kid"] = "user-1"
	signed, err := token.SignedString(e.userKey)
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}
	return signed
}

func (e *testEnv) delegatedToken(t *testing.T, subject string) string {
	t.Helper()
	signed, err := e.delegation.Sign(subject, servicetoken.DefaultAudience)
	if err != nil {
		t.Fatalf("sign delegated token: %v", err)
	}
	return signed
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = bytes.NewBufferString(b)
		default:
			payload, _ := json.Marshal(b)
			r = bytes.NewReader(payload)
		}
	}
	req, err := http.NewRequest(method, e.url+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := response{status: resp.StatusCode, header: resp.Header}
	_ = json.NewDecoder(resp.Body).Decode(&out.body)
	return out
}

func titles(t *testing.T, resp response) []string {
	t.Helper()
	items, ok := resp.body["items"].([]any)
	if !ok {
		t.Fatalf("items missing: %v", resp.body)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.(map[string]any)["title"].(string))
	}
	return out
}

func TestBookLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.userToken(t, "0xowner")

	added := env.do(t, http.MethodPost, "/books", tok, map[string]any{
		"title": "The Great Gatsby", "year": 1925, "author": "F. Scott Fitzgerald", "completed": false,
	})
	if added.status != http.StatusCreated || added.body["id"] != float64(0) {
		t.Fatalf("add: %d %v", added.status, added.body)
	}
	event := added.body["event"].(map[string]any)
	if event["kind"] != "AddBook" || event["owner"] != "0xowner" || event["bookId"] != float64(0) {
		t.Fatalf("unexpected add event: %v", event)
	}

	open := env.do(t, http.MethodGet, "/books/uncompleted", tok, nil)
	if got := titles(t, open); len(got) != 1 || got[0] != "The Great Gatsby" {
		t.Fatalf("uncompleted = %v", got)
	}
	if got := titles(t, env.do(t, http.MethodGet, "/books/completed", tok, nil)); len(got) != 0 {
		t.Fatalf("completed = %v", got)
	}

	patched := env.do(t, http.MethodPatch, "/books/0", tok, map[string]any{"completed": true})
	if patched.status != http.StatusOK || patched.body["completed"] != true {
		t.Fatalf("patch: %d %v", patched.status, patched.body)
	}
	if ev := patched.body["event"].(map[string]any); ev["kind"] != "SetCompleted" || ev["seq"] != float64(2) {
		t.Fatalf("unexpected set event: %v", ev)
	}
	if got := titles(t, env.do(t, http.MethodGet, "/books/completed", tok, nil)); len(got) != 1 {
		t.Fatalf("completed after patch = %v", got)
	}

	missing := env.do(t, http.MethodPatch, "/books/1", tok, map[string]any{"completed": true})
	if missing.status != http.StatusNotFound || missing.body["code"] != "BOOK_NOT_FOUND" {
		t.Fatalf("out of range: %d %v", missing.status, missing.body)
	}

	events := env.do(t, http.MethodGet, "/events", tok, nil)
	if events.status != http.StatusOK || events.body["count"] != float64(2) || events.body["next"] != float64(2) {
		t.Fatalf("events: %d %v", events.status, events.body)
	}
	tail := env.do(t, http.MethodGet, "/events?after=1&limit=5", tok, nil)
	if tail.body["count"] != float64(1) {
		t.Fatalf("events after 1: %v", tail.body)
	}

	all := env.do(t, http.MethodGet, "/books", tok, nil)
	if all.body["count"] != float64(1) {
		t.Fatalf("all books: %v", all.body)
	}
}

func TestCallersAreIsolated(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	owner := env.userToken(t, "0xowner")
	addr1 := env.delegatedToken(t, "0xaddr1")

	env.do(t, http.MethodPost, "/books", owner, map[string]any{"title": "Book 1", "year": 2000, "author": "Author 1"})
	env.do(t, http.MethodPost, "/books", owner, map[string]any{"title": "Book 2", "year": 2001, "author": "Author 2", "completed": true})
	res := env.do(t, http.MethodPost, "/books", addr1, map[string]any{"title": "Addr1's Book", "year": 2003, "author": "Addr1 Author", "completed": true})
	if res.status != http.StatusCreated || res.body["id"] != float64(0) {
		t.Fatalf("addr1 add: %d %v", res.status, res.body)
	}

	if got := titles(t, env.do(t, http.MethodGet, "/books/uncompleted", owner, nil)); len(got) != 1 || got[0] != "Book 1" {
		t.Fatalf("owner uncompleted = %v", got)
	}
	if got := titles(t, env.do(t, http.MethodGet, "/books/completed", owner, nil)); len(got) != 1 || got[0] != "Book 2" {
		t.Fatalf("owner completed = %v", got)
	}
	if got := titles(t, env.do(t, http.MethodGet, "/books/completed", addr1, nil)); len(got) != 1 || got[0] != "Addr1's Book" {
		t.Fatalf("addr1 completed = %v", got)
	}
	if res := env.do(t, http.MethodPatch, "/books/1", addr1, map[string]any{"completed": false}); res.status != http.StatusNotFound {
		t.Fatalf("addr1 reached owner's entry: %d %v", res.status, res.body)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, token := range []string{"", "not-a-jwt"} {
		res := env.do(t, http.MethodGet, "/books", token, nil)
		if res.status != http.StatusUnauthorized || res.body["code"] != "AUTH_INVALID_TOKEN" {
			t.Fatalf("token %q: %d %v", token, res.status, res.body)
		}
		if res.body["requestId"] == "" || res.header.Get("X-Request-Id") == "" {
			t.Fatalf("request id missing from error: %v", res.body)
		}
	}
	if res := env.do(t, http.MethodGet, "/healthz", "", nil); res.status != http.StatusOK {
		t.Fatalf("healthz: %d", res.status)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.userToken(t, "0xowner")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"non numeric id", http.MethodPatch, "/books/abc", map[string]any{"completed": true}, http.StatusBadRequest, "BOOK_INVALID_ID"},
		{"negative id", http.MethodPatch, "/books/-1", map[string]any{"completed": true}, http.StatusBadRequest, "BOOK_INVALID_ID"},
		{"missing completed", http.MethodPatch, "/books/0", map[string]any{}, http.StatusBadRequest, "BOOK_INVALID_REQUEST"},
		{"unknown field", http.MethodPost, "/books", map[string]any{"title": "x", "owner": "0xother"}, http.StatusBadRequest, "BOOK_INVALID_REQUEST"},
		{"malformed body", http.MethodPost, "/books", "{", http.StatusBadRequest, "BOOK_INVALID_REQUEST"},
		{"wrong method", http.MethodDelete, "/books/0", nil, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED"},
		{"post to filter", http.MethodPost, "/books/completed", nil, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED"},
		{"nested path", http.MethodGet, "/books/0/download", nil, http.StatusNotFound, "SYSTEM_NOT_FOUND"},
		{"bad cursor", http.MethodGet, "/events?after=x", nil, http.StatusBadRequest, "BOOK_INVALID_REQUEST"},
		{"export disabled", http.MethodPost, "/books/export", nil, http.StatusServiceUnavailable, "BOOK_EXPORT_UNAVAILABLE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := env.do(t, tc.method, tc.path, tok, tc.body)
			if res.status != tc.status || res.body["code"] != tc.code {
				t.Fatalf("got %d %v, want %d %s", res.status, res.body, tc.status, tc.code)
			}
		})
	}

	if res := env.do(t, http.MethodGet, "/nope", "", nil); res.status != http.StatusNotFound || res.body["code"] != "SYSTEM_NOT_FOUND" {
		t.Fatalf("unknown route: %d %v", res.status, res.body)
	}
}

func TestAddBookAcceptsEmptyFields(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.userToken(t, "0xowner")
	res := env.do(t, http.MethodPost, "/books", tok, map[string]any{"title": "", "year": -500, "author": ""})
	if res.status != http.StatusCreated {
		t.Fatalf("add: %d %v", res.status, res.body)
	}
}

func TestMutationRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})
	tok := env.userToken(t, "0xowner")
	book := map[string]any{"title": "Rate", "year": 2000, "author": "A"}

	for i := 0; i < 2; i++ {
		if res := env.do(t, http.MethodPost, "/books", tok, book); res.status != http.StatusCreated {
			t.Fatalf("request %d: %d %v", i+1, res.status, res.body)
		}
	}
	limited := env.do(t, http.MethodPost, "/books", tok, book)
	if limited.status != http.StatusTooManyRequests || limited.body["code"] != "SYSTEM_RATE_LIMITED" {
		t.Fatalf("third request: %d %v", limited.status, limited.body)
	}
	if limited.header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if res := env.do(t, http.MethodGet, "/books", tok, nil); res.status != http.StatusOK || res.body["count"] != float64(2) {
		t.Fatalf("reads should not be limited and limited write must not commit: %d %v", res.status, res.body)
	}
	other := env.userToken(t, "0xaddr1")
	if res := env.do(t, http.MethodPost, "/books", other, book); res.status != http.StatusCreated {
		t.Fatalf("other caller limited: %d", res.status)
	}
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, envOptions{objects: true})
	tok := env.userToken(t, "0xowner")
	env.do(t, http.MethodPost, "/books", tok, map[string]any{"title": "Emma", "year": 1815, "author": "Jane Austen"})

	res := env.do(t, http.MethodPost, "/books/export", tok, nil)
	if res.status != http.StatusOK || res.body["count"] != float64(1) || res.body["url"] == "" {
		t.Fatalf("export: %d %v", res.status, res.body)
	}
}

type memoryObjects struct{}

func (memoryObjects) Put(_ context.Context, _ string, r io.Reader, _ int64, _ string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (memoryObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
