package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/horosafe"
)

// ErrUnknownKey is returned when a token's kid is absent from the JWKS even
// after a refresh.
var ErrUnknownKey = errors.New("auth: unknown signing key")

// jwk is the subset of an RSA JSON Web Key the verifier needs.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeyCache fetches and caches the authorization server's JWKS. Keys refresh
// on a timer and eagerly when a token arrives with an unseen kid (key
// rotation).
type KeyCache struct {
	url     string
	ttl     time.Duration
	client  *http.Client
	minGap  time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeyCache creates a cache over the JWKS endpoint. TTL defaults to one
// hour.
func NewKeyCache(url string, ttl time.Duration, client *http.Client) *KeyCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyCache{
		url:    url,
		ttl:    ttl,
		client: client,
		minGap: 30 * time.Second,
		keys:   map[string]*rsa.PublicKey{},
	}
}

// Key returns the public key for kid, refreshing the cache when the set is
// stale or the kid is unknown.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	// Unknown kid or stale set. Rate-limit forced refreshes so a flood of
	// garbage tokens cannot hammer the authorization server.
	if time.Since(c.fetchedAt) >= c.minGap {
		if err := c.refreshLocked(ctx); err != nil {
			// A stale key beats no key.
			if key, ok := c.keys[kid]; ok {
				return key, nil
			}
			return nil, err
		}
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid=%q", ErrUnknownKey, kid)
}

func (c *KeyCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("auth: jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: jwks status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, horosafe.MaxResponseBody))
	if err != nil {
		return fmt.Errorf("auth: read jwks: %w", err)
	}
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("auth: parse jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("auth: jwks contained no usable RSA keys")
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func rsaKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, errors.New("zero exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
