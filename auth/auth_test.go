package auth

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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type testKeys struct {
	priv *rsa.PrivateKey
	kid  string
}

func newTestKeys(t *testing.T, kid string) *testKeys {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &testKeys{priv: priv, kid: kid}
}

func (k *testKeys) jwksJSON() []byte {
	pub := &k.priv.PublicKey
	doc := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"kid": k.kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	b, _ := json.Marshal(doc)
	return b
}

func (k *testKeys) sign(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.kid
	s, err := token.SignedString(k.priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func freshClaims(tenantID string) *Claims {
	return &Claims{
		TenantID:    tenantID,
		UserID:      "user_1",
		Authorities: []string{"ROLE_USER"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func jwksServer(t *testing.T, keys *testKeys, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys.jwksJSON())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidate_GoodToken(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	srv := jwksServer(t, keys, nil)

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)
	claims, err := v.Validate(context.Background(), keys.sign(t, freshClaims("tenant_a")))
	if err != nil {
		t.Fatal(err)
	}
	if claims.TenantID != "tenant_a" || claims.UserID != "user_1" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.HasAuthority("ROLE_USER") || claims.HasAuthority("ROLE_ADMIN") {
		t.Errorf("authorities = %v", claims.Authorities)
	}
}

func TestValidate_JWKSCached(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	hits := 0
	srv := jwksServer(t, keys, &hits)

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)
	for i := 0; i < 5; i++ {
		if _, err := v.Validate(context.Background(), keys.sign(t, freshClaims("tenant_a"))); err != nil {
			t.Fatal(err)
		}
	}
	if hits != 1 {
		t.Errorf("jwks fetched %d times, want 1", hits)
	}
}

func TestValidate_ExpiredBeyondLeeway(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	srv := jwksServer(t, keys, nil)

	claims := freshClaims("tenant_a")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)
	if _, err := v.Validate(context.Background(), keys.sign(t, claims)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v", err)
	}
}

// WHAT: a token expired by less than the leeway window still validates.
// WHY: clock skew between the authorization server and this service must
// not bounce fresh tokens.
func TestValidate_WithinLeeway(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	srv := jwksServer(t, keys, nil)

	claims := freshClaims("tenant_a")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-3 * time.Second))

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)
	if _, err := v.Validate(context.Background(), keys.sign(t, claims)); err != nil {
		t.Errorf("token within leeway rejected: %v", err)
	}
}

func TestValidate_WrongKeyRejected(t *testing.T) {
	served := newTestKeys(t, "key-1")
	srv := jwksServer(t, served, nil)

	// Signed by a different key but claiming the served kid.
	rogue := newTestKeys(t, "key-1")
	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)
	if _, err := v.Validate(context.Background(), rogue.sign(t, freshClaims("tenant_a"))); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v", err)
	}
}

func TestValidate_MissingTenantRejected(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	srv := jwksServer(t, keys, nil)

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)
	if _, err := v.Validate(context.Background(), keys.sign(t, freshClaims(""))); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v", err)
	}
}

func TestValidate_IntrospectionFallback(t *testing.T) {
	keys := newTestKeys(t, "key-unlisted")
	// JWKS serves a different key, so the token's kid is never found.
	other := newTestKeys(t, "key-1")
	srv := jwksServer(t, other, nil)

	intro := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("token") == "" {
			t.Error("introspection did not receive the token")
		}
		_, _ = w.Write([]byte(`{"active":true,"tenant_id":"tenant_b","user_id":"user_9","authorities":["ROLE_USER"]}`))
	}))
	defer intro.Close()

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), intro.URL, nil)
	claims, err := v.Validate(context.Background(), keys.sign(t, freshClaims("tenant_b")))
	if err != nil {
		t.Fatal(err)
	}
	if claims.TenantID != "tenant_b" || claims.UserID != "user_9" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidate_IntrospectionInactive(t *testing.T) {
	keys := newTestKeys(t, "key-unlisted")
	other := newTestKeys(t, "key-1")
	srv := jwksServer(t, other, nil)

	intro := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":false}`))
	}))
	defer intro.Close()

	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), intro.URL, nil)
	if _, err := v.Validate(context.Background(), keys.sign(t, freshClaims("tenant_b"))); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	srv := jwksServer(t, keys, nil)
	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)

	var gotTenant, gotToken string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = GetClaims(r.Context()).TenantID
		gotToken = GetToken(r.Context())
	}))

	// No token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status %d", rec.Code)
	}

	// Valid token.
	token := keys.sign(t, freshClaims("tenant_a"))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status %d", rec.Code)
	}
	if gotTenant != "tenant_a" || gotToken != token {
		t.Errorf("context: tenant=%q token-match=%v", gotTenant, gotToken == token)
	}
}

func TestRequireAuthority(t *testing.T) {
	keys := newTestKeys(t, "key-1")
	srv := jwksServer(t, keys, nil)
	v := NewValidator(NewKeyCache(srv.URL, time.Hour, nil), "", nil)

	h := v.Middleware(RequireAuthority("ROLE_ADMIN")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+keys.sign(t, freshClaims("tenant_a")))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing authority: status %d, want 403", rec.Code)
	}
}
