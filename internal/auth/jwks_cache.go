package auth

import (
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
)

// jwksCache caches upstream IdP public signing keys by kid, refreshing on
// TTL expiry or when an unknown kid is requested. Grounded on
// erauner12-toolbridge-api/internal/auth/jwt.go's jwksCache, generalized
// from a package-level singleton to an instance owned by Pipeline.
type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	ttl        time.Duration
	jwksURL    string
	httpClient *http.Client
}

func newJWKSCache(jwksURL string, ttl time.Duration) *jwksCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &jwksCache{
		keys:       make(map[string]*rsa.PublicKey),
		ttl:        ttl,
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// refresh fetches and replaces the cached key set. Bypasses TTL when
// force is true, used to handle key rotation on an unknown kid.
func (c *jwksCache) refresh(force bool) error {
	c.mu.Lock()
	fresh := !force && time.Since(c.lastFetch) < c.ttl && len(c.keys) > 0
	c.mu.Unlock()
	if fresh {
		return nil
	}

	resp, err := c.httpClient.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("auth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("auth: read jwks response: %w", err)
	}

	var parsed jwksResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("auth: parse jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kty != "RSA" || k.Use != "sig" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("auth: no valid RSA signing keys in jwks response")
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// publicKey returns the cached key for kid, forcing a refresh first if the
// cache has expired, and again (forced) if kid is still unknown afterward.
func (c *jwksCache) publicKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	expired := time.Since(c.lastFetch) >= c.ttl
	c.mu.RUnlock()
	if expired {
		_ = c.refresh(false)
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.refresh(true); err != nil {
		return nil, fmt.Errorf("auth: refresh jwks for unknown kid %s: %w", kid, err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("auth: kid %s not found in jwks after refresh", kid)
	}
	return key, nil
}
