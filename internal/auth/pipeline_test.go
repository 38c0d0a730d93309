package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aussiehq/gateway/internal/config"
	"github.com/aussiehq/gateway/internal/identity"
	"github.com/aussiehq/gateway/internal/primitives/hash"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
)

type staticRegistryStore struct {
	regs []registry.ServiceRegistration
}

func (s *staticRegistryStore) Get(_ context.Context, id string) (registry.ServiceRegistration, error) {
	for _, r := range s.regs {
		if r.ServiceID == id {
			return r, nil
		}
	}
	return registry.ServiceRegistration{}, errNotFoundTest{}
}

func (s *staticRegistryStore) List(_ context.Context) ([]registry.ServiceRegistration, error) {
	return s.regs, nil
}

func (s *staticRegistryStore) Put(_ context.Context, reg registry.ServiceRegistration) (registry.ServiceRegistration, error) {
	s.regs = append(s.regs, reg)
	return reg, nil
}

func (s *staticRegistryStore) Delete(_ context.Context, id string) (bool, error) { return false, nil }

type errNotFoundTest struct{}

func (errNotFoundTest) Error() string { return "not found" }

// routeForAuthTest registers reg (expected to declare a single "/x"
// endpoint and no explicit RoutePrefix, so the registry's default
// "/{serviceId}" prefix applies) and returns the matched route.
func routeForAuthTest(t *testing.T, reg registry.ServiceRegistration) registry.RouteLookupResult {
	t.Helper()
	st := &staticRegistryStore{}
	rg, err := registry.New(context.Background(), st, registry.Options{})
	require.NoError(t, err)
	result := rg.Register(context.Background(), reg)
	require.True(t, result.Ok())

	route, ok := rg.MatchRoute("/"+reg.ServiceID+"/x", "GET")
	require.True(t, ok)
	return route
}

func newTestPipeline(t *testing.T, sessions store.SessionStore, apiKeys store.ApiKeyStore) *Pipeline {
	t.Helper()
	return NewPipeline(config.JWSConfig{
		Issuer:     "aussiehq-gateway-test",
		SigningKey: "test-signing-key",
		SessionTTL: time.Minute,
	}, sessions, apiKeys, nil, nil, nil)
}

func TestPipeline_Authorize_NotRequired_WhenRouteHasNoAuth(t *testing.T) {
	p := newTestPipeline(t, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore())

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: false,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	result := p.Authorize(context.Background(), r, route)
	assert.True(t, result.IsNotRequired())
}

func TestPipeline_Authorize_Unauthorized_WhenAuthRequiredAndNoCredentials(t *testing.T) {
	p := newTestPipeline(t, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore())

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	result := p.Authorize(context.Background(), r, route)
	assert.True(t, result.IsUnauthorized())
}

func TestPipeline_Authorize_BadRequest_WhenBothSessionAndBearerPresent(t *testing.T) {
	p := newTestPipeline(t, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore())

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess-1"})
	r.Header.Set("Authorization", "Bearer sometoken")

	result := p.Authorize(context.Background(), r, route)
	assert.True(t, result.IsBadRequest())
}

func TestPipeline_Authorize_Authenticated_ViaSession(t *testing.T) {
	sessions := store.NewMemorySessionStore()
	require.NoError(t, sessions.Put(context.Background(), identity.Session{
		ID:             "sess-1",
		Principal:      identity.Principal{ID: "user-1", Type: identity.PrincipalUser},
		ExpiresAt:      time.Now().Add(time.Hour),
		LastAccessedAt: time.Now(),
	}))

	p := newTestPipeline(t, sessions, store.NewMemoryApiKeyStore())

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess-1"})

	result := p.Authorize(context.Background(), r, route)
	require.True(t, result.IsAuthenticated())
	assert.NotEmpty(t, result.Token().Token)
}

func TestPipeline_Authorize_Unauthorized_ExpiredSession(t *testing.T) {
	sessions := store.NewMemorySessionStore()
	require.NoError(t, sessions.Put(context.Background(), identity.Session{
		ID:        "sess-1",
		Principal: identity.Principal{ID: "user-1", Type: identity.PrincipalUser},
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	p := newTestPipeline(t, sessions, store.NewMemoryApiKeyStore())

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess-1"})

	result := p.Authorize(context.Background(), r, route)
	assert.True(t, result.IsUnauthorized())
}

func TestPipeline_Authorize_Authenticated_ViaAPIKey(t *testing.T) {
	apiKeys := store.NewMemoryApiKeyStore()
	apiKeys.Put(identity.ApiKey{
		ID:         "key-1",
		Prefix:     "prefix-1",
		SecretHash: hash.SHA256Hex("super-secret"),
		Principal:  identity.Principal{ID: "svc-account-1", Type: identity.PrincipalService},
	})

	p := newTestPipeline(t, store.NewMemorySessionStore(), apiKeys)

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("X-API-Key-ID", "prefix-1")
	r.Header.Set("X-API-Key-Secret", "super-secret")

	result := p.Authorize(context.Background(), r, route)
	require.True(t, result.IsAuthenticated())
}

func TestPipeline_Authorize_Unauthorized_RevokedAPIKey(t *testing.T) {
	apiKeys := store.NewMemoryApiKeyStore()
	apiKeys.Put(identity.ApiKey{
		ID:         "key-1",
		Prefix:     "prefix-1",
		SecretHash: hash.SHA256Hex("super-secret"),
		Principal:  identity.Principal{ID: "svc-account-1", Type: identity.PrincipalService},
		Revoked:    true,
	})

	p := newTestPipeline(t, store.NewMemorySessionStore(), apiKeys)

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("X-API-Key-ID", "prefix-1")
	r.Header.Set("X-API-Key-Secret", "super-secret")

	result := p.Authorize(context.Background(), r, route)
	assert.True(t, result.IsUnauthorized())
}

func TestPipeline_Authorize_Forbidden_WhenPermissionPolicyDenies(t *testing.T) {
	sessions := store.NewMemorySessionStore()
	require.NoError(t, sessions.Put(context.Background(), identity.Session{
		ID: "sess-1",
		Principal: identity.Principal{
			ID:          "user-1",
			Type:        identity.PrincipalUser,
			Permissions: map[string]bool{"svc-a.readonly": true},
		},
		ExpiresAt:      time.Now().Add(time.Hour),
		LastAccessedAt: time.Now(),
	}))

	p := newTestPipeline(t, sessions, store.NewMemoryApiKeyStore())

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		PermissionPolicy: map[string]registry.PermissionRule{
			"writeThing": {AnyOfPermissions: []string{"svc-a.admin"}},
		},
		Endpoints: []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP, OperationName: "writeThing"}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "sess-1"})

	result := p.Authorize(context.Background(), r, route)
	assert.True(t, result.IsForbidden())
}

func TestPipeline_Authorize_Authenticated_ViaBearerRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	defer srv.Close()

	p := NewPipeline(config.JWSConfig{
		Issuer:              "upstream-idp",
		JWKSURL:             srv.URL,
		JWKSRefreshInterval: time.Hour,
		SessionTTL:          time.Minute,
	}, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore(), nil, nil, nil)

	claims := jwt.MapClaims{
		"iss":   "upstream-idp",
		"sub":   "user-42",
		"ptype": "user",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	route := routeForAuthTest(t, registry.ServiceRegistration{
		ServiceID:           "svc-a",
		BaseURL:             "http://backend:9000",
		DefaultAuthRequired: true,
		Endpoints:           []registry.EndpointConfig{{Path: "/x", Methods: []string{"GET"}, Type: registry.EndpointHTTP}},
	})

	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	result := p.Authorize(context.Background(), r, route)
	require.True(t, result.IsAuthenticated())
}

func TestPipeline_IssueToken_CapsAtMaxTTL(t *testing.T) {
	p := newTestPipeline(t, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore())

	tok, err := p.issueToken(identity.Principal{ID: "user-1"}, "", 10*time.Hour, time.Minute, nil, "svc-a")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), tok.ExpiresAt, 2*time.Second)
}

func TestPipeline_IssueToken_SetsAudienceAndNotBefore(t *testing.T) {
	p := newTestPipeline(t, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore())

	tok, err := p.issueToken(identity.Principal{ID: "user-1"}, "", time.Minute, time.Minute, nil, "svc-a")
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(tok.Token, &issuerClaims{})
	require.NoError(t, err)
	claims, ok := parsed.Claims.(*issuerClaims)
	require.True(t, ok)

	aud, err := claims.GetAudience()
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"svc-a"}, aud)
	require.NotNil(t, claims.NotBefore)
	assert.WithinDuration(t, time.Now(), claims.NotBefore.Time, 2*time.Second)
}

func TestPipeline_Start_NoOp_WithoutJWKSURL(t *testing.T) {
	p := newTestPipeline(t, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore())
	assert.NotPanics(t, func() {
		p.Start(context.Background())
		p.Stop()
	})
}
