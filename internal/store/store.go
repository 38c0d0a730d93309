// Package store declares the gateway's external collaborator ports (spec.md
// §6): the persistent service-registration store, the session store, the
// API-key store, the JWKS client, the security-event sink, and the metrics
// sink. These are out of scope per spec.md §1 — the gateway only depends on
// the interfaces. In-memory adapters for the service, session and API-key
// stores, plus a logging security-event sink, are provided here so the
// module builds and tests standalone; the metrics sink is implemented by
// internal/telemetry.Metrics, and no JWKS client adapter exists (the auth
// pipeline keeps its own JWKS cache). Interface shape follows the
// teacher's small-interface-in-context idiom (internal/plugins) and the
// optimistic-version CAS semantics of internal/postgres/version_store.go.
package store

import (
	"context"
	"errors"

	"github.com/aussiehq/gateway/internal/identity"
	"github.com/aussiehq/gateway/internal/registry"
)

// ErrNotFound is returned by store lookups when the requested key has no entry.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by ServiceStore.Put on a CAS mismatch.
var ErrVersionConflict = errors.New("store: version conflict")

// ServiceStore persists ServiceRegistrations with optimistic-version CAS
// and exposes a change stream for cache invalidation (spec.md §6).
type ServiceStore interface {
	Get(ctx context.Context, serviceID string) (registry.ServiceRegistration, error)
	List(ctx context.Context) ([]registry.ServiceRegistration, error)
	// Put inserts or updates reg. On update, reg.Version must be exactly the
	// stored version plus one or ErrVersionConflict is returned; reg is then
	// stored as given.
	Put(ctx context.Context, reg registry.ServiceRegistration) (registry.ServiceRegistration, error)
	Delete(ctx context.Context, serviceID string) (bool, error)
	// Watch returns a channel of serviceIDs that changed (put or delete),
	// for invalidating the local route cache. The channel is closed when
	// ctx is done.
	Watch(ctx context.Context) <-chan string
}

// SessionStore backs session-cookie-based identity (spec.md §6).
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (identity.Session, error)
	Put(ctx context.Context, sess identity.Session) error
	UpdateLastAccessed(ctx context.Context, sessionID string) error
	Invalidate(ctx context.Context, sessionID string) error
	InvalidateUser(ctx context.Context, userID string) error
	// WatchInvalidations returns a channel of sessionIDs that were
	// invalidated, for closing bound WebSocket connections with code 4401.
	WatchInvalidations(ctx context.Context) <-chan string
}

// ApiKeyStore backs API-key-based identity (spec.md §6).
type ApiKeyStore interface {
	FindByPrefix(ctx context.Context, prefix string) (identity.ApiKey, error)
	Verify(ctx context.Context, prefix, presentedSecret string) (identity.ApiKey, bool, error)
	RecordUse(ctx context.Context, keyID string) error
}

// ApiKeyAdmin is an optional extension of ApiKeyStore backing the
// "/admin/api-keys — key lifecycle" surface of spec.md §6. Bootstrap-key
// creation is out of scope per spec.md §1, but a running gateway still
// needs to list and revoke keys; implementations that cannot support
// lifecycle management (e.g. a read-only store) simply don't implement it,
// and gatewayapi.Server reports 501 when it is absent.
type ApiKeyAdmin interface {
	ApiKeyStore
	Create(ctx context.Context, key identity.ApiKey) error
	List(ctx context.Context) ([]identity.ApiKey, error)
	Revoke(ctx context.Context, prefix string) error
}

// JwksClient fetches and caches a set of public signing keys for bearer
// token verification (spec.md §4.4/§6).
type JwksClient interface {
	// Fetch returns the public key for kid, refreshing from issuerURL if
	// kid is not already cached.
	Fetch(ctx context.Context, issuerURL, kid string) (any, error)
}

// SecurityEvent is dispatched to a SecurityEventSink on notable security
// occurrences (rate-limit rejection, auth failure, forbidden access).
type SecurityEvent struct {
	Kind      string
	ClientID  string
	ServiceID string
	Reason    string
}

// SecurityEventSink receives SecurityEvents for external audit logging.
type SecurityEventSink interface {
	Dispatch(ctx context.Context, event SecurityEvent)
}

// MetricsSink records gateway counters and histograms. Concrete
// implementations (internal/telemetry) back this with prometheus/client_golang;
// this interface lets call sites avoid a direct dependency on the metrics
// backend.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}
