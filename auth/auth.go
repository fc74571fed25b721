// Package auth validates Bearer tokens issued by the authorization server.
//
// Verification is local first: RS256 against a cached JWKS, pinned to the
// RS256 method. When local verification cannot decide (unknown kid after
// refresh, JWKS unreachable), the validator falls back to the server's
// introspection endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/moisson/horosafe"
)

// ErrInvalidToken is returned for tokens that fail every validation path.
// The token body is never included: tokens must not reach logs.
var ErrInvalidToken = errors.New("auth: invalid token")

// Leeway tolerated on exp/nbf validation.
const Leeway = 10 * time.Second

// Claims is the platform's token payload.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	Authorities []string `json:"authorities"`
	jwt.RegisteredClaims
}

// HasAuthority reports whether the token carries the given authority.
func (c *Claims) HasAuthority(want string) bool {
	for _, a := range c.Authorities {
		if a == want {
			return true
		}
	}
	return false
}

// Validator verifies Bearer tokens.
type Validator struct {
	keys          *KeyCache
	introspectURL string
	client        *http.Client
}

// NewValidator creates a Validator. introspectURL may be empty to disable
// the fallback.
func NewValidator(keys *KeyCache, introspectURL string, client *http.Client) *Validator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Validator{keys: keys, introspectURL: introspectURL, client: client}
}

// Validate verifies a raw token string and returns its claims.
func (v *Validator) Validate(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := v.validateLocal(ctx, tokenStr)
	if err == nil {
		return claims, nil
	}
	// Signature and time failures are final. Only "cannot decide" cases
	// (unknown key, unreachable JWKS) consult introspection.
	if v.introspectURL != "" && errors.Is(err, ErrUnknownKey) {
		return v.introspect(ctx, tokenStr)
	}
	return nil, err
}

func (v *Validator) validateLocal(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, fmt.Errorf("unexpected signing method %v (only RS256 allowed)", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	}, jwt.WithLeeway(Leeway))
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing tenant_id", ErrInvalidToken)
	}
	return claims, nil
}

// introspect asks the authorization server directly.
func (v *Validator) introspect(ctx context.Context, tokenStr string) (*Claims, error) {
	form := url.Values{"token": {tokenStr}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: introspect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: introspect status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, horosafe.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("auth: introspect read: %w", err)
	}
	var out struct {
		Active      bool     `json:"active"`
		TenantID    string   `json:"tenant_id"`
		UserID      string   `json:"user_id"`
		Authorities []string `json:"authorities"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("auth: introspect parse: %w", err)
	}
	if !out.Active || out.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{
		TenantID:    out.TenantID,
		UserID:      out.UserID,
		Authorities: out.Authorities,
	}, nil
}

type claimsKey struct{}
type tokenKey struct{}

// WithIdentity returns a context carrying the claims and raw token, as
// Middleware would install them. Intended for tests and internal callers.
func WithIdentity(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	return context.WithValue(ctx, tokenKey{}, token)
}

// GetClaims retrieves the validated Claims from the context, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// GetToken retrieves the raw Bearer token from the context. The billing gate
// forwards it on outbound calls.
func GetToken(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

// BearerToken extracts the Bearer token from a request, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}

// Middleware validates the Bearer token and rejects the request with a 401
// when it is missing or invalid. Handlers behind it can rely on GetClaims
// returning non-nil.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := BearerToken(r)
		if tokenStr == "" {
			unauthorized(w)
			return
		}
		claims, err := v.Validate(r.Context(), tokenStr)
		if err != nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims, tokenStr)))
	})
}

// RequireAuthority enforces one authority on top of Middleware, answering
// 403 when absent.
func RequireAuthority(authority string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				unauthorized(w)
				return
			}
			if !claims.HasAuthority(authority) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
