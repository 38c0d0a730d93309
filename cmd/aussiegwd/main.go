// aussiegwd is the gateway server. It serves the admin registry/api-key
// routes and proxies tenant HTTP and WebSocket traffic to registered
// backends (spec.md §4, §6).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aussiehq/gateway/internal/auth"
	"github.com/aussiehq/gateway/internal/config"
	api "github.com/aussiehq/gateway/internal/gatewayapi"
	"github.com/aussiehq/gateway/internal/primitives/cache"
	"github.com/aussiehq/gateway/internal/proxy"
	"github.com/aussiehq/gateway/internal/ratelimit"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
	"github.com/aussiehq/gateway/internal/telemetry"
	"github.com/aussiehq/gateway/internal/wsproxy"
)

// parseTrustedProxies parses a list of CIDR strings, skipping and warning
// on any that fail to parse rather than failing startup.
func parseTrustedProxies(cidrs []string) []*net.IPNet {
	var out []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			slog.Warn("trusted_proxy.cidrs: skipping invalid CIDR", "cidr", c, "error", err)
			continue
		}
		out = append(out, ipNet)
	}
	return out
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /aussiegwd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/q/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := slog.New(api.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	} else {
		slog.Info("no config file found, running with defaults")
	}

	trustedProxies := parseTrustedProxies(cfg.TrustedProxy.CIDRs)

	// In-memory reference stores. A production deployment wires durable
	// implementations of store.ServiceStore/SessionStore/ApiKeyStore
	// instead — these ports are out of scope per spec.md §1.
	serviceStore := store.NewMemoryServiceStore()
	sessionStore := store.NewMemorySessionStore()
	apiKeyStore := store.NewMemoryApiKeyStore()
	events := store.LogSecurityEventSink{}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcRegistry, err := registry.New(ctx, serviceStore, registry.Options{
		PublicDefaultVisibilityEnabled: true,
		RouteCache: cache.Options{
			TTL:        cfg.Cache.TTL,
			Jitter:     cfg.Cache.Jitter,
			MaxEntries: cfg.Cache.MaxEntries,
		},
	})
	if err != nil {
		slog.Error("failed to initialize service registry", "error", err)
		os.Exit(1)
	}

	memoryProvider := ratelimit.NewMemoryProvider()
	defer memoryProvider.Close()

	var upstreamProvider ratelimit.Provider
	if cfg.RateLimit.Provider == "redis" {
		redisCfg := ratelimit.DefaultRedisProviderConfig()
		redisCfg.Addr = cfg.RateLimit.RedisAddr
		upstreamProvider = ratelimit.NewRedisProvider(redisCfg)
		slog.Info("rate limit provider: redis", "addr", cfg.RateLimit.RedisAddr)
	} else {
		upstreamProvider = memoryProvider
		slog.Info("rate limit provider: memory")
	}

	rlLoader := ratelimit.NewLoader(memoryProvider, upstreamProvider, cfg.RateLimit.FallbackAfterFailures, 30*time.Second)
	defer rlLoader.Close()

	platformDefault := ratelimit.EffectiveRateLimit{
		RequestsPerWindow: int(cfg.RateLimit.RequestsPerSecond),
		WindowSeconds:     1,
		BurstCapacity:     cfg.RateLimit.Burst,
	}
	rlResolver := ratelimit.NewResolver(ratelimit.ResolverOptions{
		PlatformDefault:              platformDefault,
		PlatformMaxRequestsPerWindow: 10000,
		WSConnectionDefault:          platformDefault,
		WSMessageDefault:             platformDefault,
		Cache: cache.Options{
			TTL:        cfg.Cache.TTL,
			Jitter:     cfg.Cache.Jitter,
			MaxEntries: cfg.Cache.MaxEntries,
		},
	})

	authPipeline := auth.NewPipeline(cfg.JWS, sessionStore, apiKeyStore, nil, trustedProxies, events)
	authPipeline.Start(ctx)
	defer authPipeline.Stop()

	metrics := telemetry.NewMetrics()
	tracerProvider := telemetry.NewProvider(0.1)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tracer provider shutdown error", "error", err)
		}
	}()
	tracer := telemetry.NewTracer()

	reverseProxy := proxy.New(cfg.Proxy, trustedProxies, metrics)
	wsRelay := wsproxy.New(cfg.WebSocket, rlResolver, rlLoader, authPipeline, sessionStore, events, metrics, trustedProxies)

	var adminAuth func(http.Handler) http.Handler
	if adminKey := os.Getenv("AUSSIEGW_ADMIN_KEY"); adminKey != "" {
		adminAuth = auth.APIKey(adminKey)
		slog.Info("admin API key authentication enabled")
	} else {
		adminAuth = auth.Noop()
		slog.Warn("AUSSIEGW_ADMIN_KEY not set — admin routes are unauthenticated")
	}

	srv := &api.Server{
		Registry:  svcRegistry,
		Resolver:  rlResolver,
		RateLimit: rlLoader,
		Auth:      authPipeline,
		Proxy:     reverseProxy,
		WS:        wsRelay,

		Services: serviceStore,
		Sessions: sessionStore,
		ApiKeys:  apiKeyStore,

		Metrics: metrics,
		Tracer:  tracer,
		Events:  events,

		TrustedProxies: trustedProxies,

		CORSOrigins:     cfg.CORS.AllowedOrigins,
		CORSCredentials: cfg.CORS.AllowCredentials,
		AdminAuth:       adminAuth,
	}

	router := api.NewRouter(srv)

	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting aussiegwd", "addr", addr)

	select {
	case <-ctx.Done():
		slog.Info("received signal, shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("aussiegwd shutdown complete")
}
