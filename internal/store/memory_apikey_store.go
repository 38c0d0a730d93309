package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aussiehq/gateway/internal/identity"
	"github.com/aussiehq/gateway/internal/primitives/hash"
)

// MemoryApiKeyStore is an in-memory reference ApiKeyStore adapter, keyed
// by the key's public prefix (the part presented in e.g. X-API-Key-ID).
type MemoryApiKeyStore struct {
	mu   sync.Mutex
	keys map[string]identity.ApiKey
}

// NewMemoryApiKeyStore constructs an empty in-memory ApiKeyStore.
func NewMemoryApiKeyStore() *MemoryApiKeyStore {
	return &MemoryApiKeyStore{keys: make(map[string]identity.ApiKey)}
}

// Put registers a key by prefix, for test/bootstrap setup.
func (s *MemoryApiKeyStore) Put(key identity.ApiKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.Prefix] = key
}

func (s *MemoryApiKeyStore) FindByPrefix(_ context.Context, prefix string) (identity.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[prefix]
	if !ok {
		return identity.ApiKey{}, ErrNotFound
	}
	return k, nil
}

// Verify hashes presentedSecret and compares it in constant time against
// the stored hash for prefix, rejecting revoked keys.
func (s *MemoryApiKeyStore) Verify(_ context.Context, prefix, presentedSecret string) (identity.ApiKey, bool, error) {
	s.mu.Lock()
	k, ok := s.keys[prefix]
	s.mu.Unlock()
	if !ok {
		return identity.ApiKey{}, false, nil
	}
	if k.Revoked {
		return identity.ApiKey{}, false, nil
	}
	if !hash.EqualSecret(presentedSecret, k.SecretHash) {
		return identity.ApiKey{}, false, nil
	}
	return k, true, nil
}

func (s *MemoryApiKeyStore) RecordUse(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, k := range s.keys {
		if k.ID == keyID {
			k.LastUsedAt = time.Now()
			s.keys[prefix] = k
			return nil
		}
	}
	return ErrNotFound
}

// Create registers a freshly minted key (admin lifecycle, spec.md §6's
// "/admin/api-keys — key lifecycle"). Returns an error if the prefix is
// already in use.
func (s *MemoryApiKeyStore) Create(_ context.Context, key identity.ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.Prefix]; exists {
		return fmt.Errorf("store: api key prefix %q already exists", key.Prefix)
	}
	s.keys[key.Prefix] = key
	return nil
}

// List returns every registered API key (admin lifecycle, spec.md §6's
// "/admin/api-keys — key lifecycle").
func (s *MemoryApiKeyStore) List(_ context.Context) ([]identity.ApiKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]identity.ApiKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

// Revoke marks the key with the given prefix revoked. Idempotent: revoking
// an already-revoked key is not an error.
func (s *MemoryApiKeyStore) Revoke(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[prefix]
	if !ok {
		return ErrNotFound
	}
	k.Revoked = true
	s.keys[prefix] = k
	return nil
}
