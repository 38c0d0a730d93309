package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aussiehq/gateway/internal/auth"
	"github.com/aussiehq/gateway/internal/config"
	api "github.com/aussiehq/gateway/internal/gatewayapi"
	"github.com/aussiehq/gateway/internal/proxy"
	"github.com/aussiehq/gateway/internal/ratelimit"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
)

func testProxyConfig() config.ProxyConfig {
	return config.ProxyConfig{
		DialTimeout:         time.Second,
		TLSTimeout:          time.Second,
		HeadersTimeout:      time.Second,
		BodyTimeout:         2 * time.Second,
		IdleTimeout:         5 * time.Second,
		MaxBodyBytes:        1 << 20,
		MaxHeaderBytes:      4096,
		MaxTotalHeaderBytes: 16384,
	}
}

func newIngressServer(t *testing.T, backendURL string) *api.Server {
	t.Helper()
	svcStore := store.NewMemoryServiceStore()
	reg, err := registry.New(context.Background(), svcStore, registry.Options{PublicDefaultVisibilityEnabled: true})
	require.NoError(t, err)

	result := reg.Register(context.Background(), registry.ServiceRegistration{
		ServiceID:         "svc-a",
		BaseURL:           backendURL,
		DefaultVisibility: registry.VisibilityPublic,
	})
	require.True(t, result.Ok())

	memProvider := ratelimit.NewMemoryProvider()
	t.Cleanup(func() { memProvider.Close() })
	loader := ratelimit.NewLoader(memProvider, memProvider, 3, time.Second)
	t.Cleanup(func() { loader.Close() })

	resolver := ratelimit.NewResolver(ratelimit.ResolverOptions{
		PlatformDefault: ratelimit.EffectiveRateLimit{RequestsPerWindow: 100, WindowSeconds: 1, BurstCapacity: 100},
	})

	pipeline := auth.NewPipeline(config.JWSConfig{Issuer: "test"}, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore(), nil, nil, store.LogSecurityEventSink{})

	return &api.Server{
		Registry:  reg,
		Resolver:  resolver,
		RateLimit: loader,
		Auth:      pipeline,
		Proxy:     proxy.New(testProxyConfig(), nil, nil),
	}
}

func TestHandleIngress_NoMatchingRouteReturns404Problem(t *testing.T) {
	srv := newIngressServer(t, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/unknown-service/path", http.NoBody)
	rec := httptest.NewRecorder()
	srv.HandleIngress(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHandleIngress_ForwardsToBackendOnSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("backend-ok"))
	}))
	defer backend.Close()

	srv := newIngressServer(t, backend.URL)
	req := httptest.NewRequest(http.MethodGet, "/svc-a/anything", http.NoBody)
	rec := httptest.NewRecorder()
	srv.HandleIngress(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend-ok", rec.Body.String())
}

func TestHandleIngress_RateLimitExceededReturns429(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svcStore := store.NewMemoryServiceStore()
	reg, err := registry.New(context.Background(), svcStore, registry.Options{PublicDefaultVisibilityEnabled: true})
	require.NoError(t, err)
	one := 1
	result := reg.Register(context.Background(), registry.ServiceRegistration{
		ServiceID:         "svc-a",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		RateLimit:         registry.RateLimitConfig{RequestsPerWindow: &one, WindowSeconds: &one, BurstCapacity: &one},
	})
	require.True(t, result.Ok())

	memProvider := ratelimit.NewMemoryProvider()
	defer memProvider.Close()
	loader := ratelimit.NewLoader(memProvider, memProvider, 3, time.Second)
	defer loader.Close()
	resolver := ratelimit.NewResolver(ratelimit.ResolverOptions{
		PlatformDefault: ratelimit.EffectiveRateLimit{RequestsPerWindow: 100, WindowSeconds: 1, BurstCapacity: 100},
	})
	pipeline := auth.NewPipeline(config.JWSConfig{Issuer: "test"}, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore(), nil, nil, store.LogSecurityEventSink{})

	srv := &api.Server{
		Registry:  reg,
		Resolver:  resolver,
		RateLimit: loader,
		Auth:      pipeline,
		Proxy:     proxy.New(testProxyConfig(), nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/svc-a/anything", http.NoBody)
	rec := httptest.NewRecorder()
	srv.HandleIngress(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/svc-a/anything", http.NoBody)
	rec = httptest.NewRecorder()
	srv.HandleIngress(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandleIngress_WebSocketUpgradeWithNoProxyConfiguredReturns500(t *testing.T) {
	srv := newIngressServer(t, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodGet, "/svc-a/ws", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	srv.HandleIngress(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleIngress_AccessConfigDeniesDisallowedIP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svcStore := store.NewMemoryServiceStore()
	reg, err := registry.New(context.Background(), svcStore, registry.Options{PublicDefaultVisibilityEnabled: true})
	require.NoError(t, err)
	result := reg.Register(context.Background(), registry.ServiceRegistration{
		ServiceID:         "svc-a",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		AccessConfig:      &registry.AccessConfig{AllowedIPs: []string{"203.0.113.5"}},
	})
	require.True(t, result.Ok())

	memProvider := ratelimit.NewMemoryProvider()
	defer memProvider.Close()
	loader := ratelimit.NewLoader(memProvider, memProvider, 3, time.Second)
	defer loader.Close()
	resolver := ratelimit.NewResolver(ratelimit.ResolverOptions{
		PlatformDefault: ratelimit.EffectiveRateLimit{RequestsPerWindow: 100, WindowSeconds: 1, BurstCapacity: 100},
	})
	pipeline := auth.NewPipeline(config.JWSConfig{Issuer: "test"}, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore(), nil, nil, store.LogSecurityEventSink{})

	srv := &api.Server{
		Registry:  reg,
		Resolver:  resolver,
		RateLimit: loader,
		Auth:      pipeline,
		Proxy:     proxy.New(testProxyConfig(), nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/svc-a/anything", http.NoBody)
	req.RemoteAddr = "198.51.100.9:1234"
	rec := httptest.NewRecorder()
	srv.HandleIngress(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleIngress_AccessConfigAllowsMatchingIP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svcStore := store.NewMemoryServiceStore()
	reg, err := registry.New(context.Background(), svcStore, registry.Options{PublicDefaultVisibilityEnabled: true})
	require.NoError(t, err)
	result := reg.Register(context.Background(), registry.ServiceRegistration{
		ServiceID:         "svc-a",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		AccessConfig:      &registry.AccessConfig{AllowedIPs: []string{"203.0.113.5"}},
	})
	require.True(t, result.Ok())

	memProvider := ratelimit.NewMemoryProvider()
	defer memProvider.Close()
	loader := ratelimit.NewLoader(memProvider, memProvider, 3, time.Second)
	defer loader.Close()
	resolver := ratelimit.NewResolver(ratelimit.ResolverOptions{
		PlatformDefault: ratelimit.EffectiveRateLimit{RequestsPerWindow: 100, WindowSeconds: 1, BurstCapacity: 100},
	})
	pipeline := auth.NewPipeline(config.JWSConfig{Issuer: "test"}, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore(), nil, nil, store.LogSecurityEventSink{})

	srv := &api.Server{
		Registry:  reg,
		Resolver:  resolver,
		RateLimit: loader,
		Auth:      pipeline,
		Proxy:     proxy.New(testProxyConfig(), nil, nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/svc-a/anything", http.NoBody)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	srv.HandleIngress(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_PerServiceCORSOverridesDefault(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svcStore := store.NewMemoryServiceStore()
	reg, err := registry.New(context.Background(), svcStore, registry.Options{PublicDefaultVisibilityEnabled: true})
	require.NoError(t, err)
	result := reg.Register(context.Background(), registry.ServiceRegistration{
		ServiceID:         "svc-a",
		BaseURL:           backend.URL,
		DefaultVisibility: registry.VisibilityPublic,
		CorsConfig:        &registry.CorsConfig{AllowedOrigins: []string{"https://tenant.example.com"}, AllowCredentials: true},
	})
	require.True(t, result.Ok())

	memProvider := ratelimit.NewMemoryProvider()
	defer memProvider.Close()
	loader := ratelimit.NewLoader(memProvider, memProvider, 3, time.Second)
	defer loader.Close()
	resolver := ratelimit.NewResolver(ratelimit.ResolverOptions{
		PlatformDefault: ratelimit.EffectiveRateLimit{RequestsPerWindow: 100, WindowSeconds: 1, BurstCapacity: 100},
	})
	pipeline := auth.NewPipeline(config.JWSConfig{Issuer: "test"}, store.NewMemorySessionStore(), store.NewMemoryApiKeyStore(), nil, nil, store.LogSecurityEventSink{})

	srv := &api.Server{
		Registry:    reg,
		Resolver:    resolver,
		RateLimit:   loader,
		Auth:        pipeline,
		Proxy:       proxy.New(testProxyConfig(), nil, nil),
		CORSOrigins: []string{"*"},
	}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodOptions, "/svc-a/anything", http.NoBody)
	req.Header.Set("Origin", "https://tenant.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "https://tenant.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	// A disallowed origin against the same per-service override is rejected
	// even though the gateway's own default policy is wildcard-open.
	req2 := httptest.NewRequest(http.MethodOptions, "/svc-a/anything", http.NoBody)
	req2.Header.Set("Origin", "https://evil.example.com")
	req2.Header.Set("Access-Control-Request-Method", "GET")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Empty(t, rec2.Header().Get("Access-Control-Allow-Origin"))
}
