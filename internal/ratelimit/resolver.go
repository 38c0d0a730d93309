package ratelimit

import (
	"github.com/aussiehq/gateway/internal/primitives/cache"
	"github.com/aussiehq/gateway/internal/registry"
)

// ResolverOptions configures platform-wide rate-limit policy.
type ResolverOptions struct {
	// PlatformDefault is used when neither the endpoint nor the service
	// overrides a field.
	PlatformDefault EffectiveRateLimit
	// PlatformMaxRequestsPerWindow caps the resolved requestsPerWindow
	// regardless of what the service/endpoint request (spec.md §3).
	PlatformMaxRequestsPerWindow int
	// WSConnectionDefault/WSMessageDefault back the separate WS scope
	// resolvers (spec.md §4.3).
	WSConnectionDefault EffectiveRateLimit
	WSMessageDefault    EffectiveRateLimit
	// Cache backs the serviceId → Option<EffectiveRateLimit> memo (spec.md
	// §4.3: "caches serviceId → Option<ServiceRateLimitConfig> behind the
	// jittered local cache").
	Cache cache.Options
}

// Resolver merges endpoint → service → platform rate-limit configuration
// into a single EffectiveRateLimit (spec.md §4.3's RateLimitResolver).
type Resolver struct {
	opts      ResolverOptions
	serviceRL *cache.Cache[string, EffectiveRateLimit]
}

// NewResolver constructs a Resolver.
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.PlatformDefault == (EffectiveRateLimit{}) {
		opts.PlatformDefault = DefaultEffectiveRateLimit
	}
	if opts.PlatformMaxRequestsPerWindow <= 0 {
		opts.PlatformMaxRequestsPerWindow = 10000
	}
	return &Resolver{
		opts:      opts,
		serviceRL: cache.New[string, EffectiveRateLimit](opts.Cache),
	}
}

// ResolveLimit merges RouteLookupResult's effective rate-limit config onto
// the platform default, then caps at PlatformMaxRequestsPerWindow. Only the
// service-level merge (platform → service) is cached, keyed by serviceId;
// the endpoint-level override is applied fresh on every call, since two
// endpoints on the same service can carry different rateLimitConfig
// overrides and caching the fully-merged endpoint result under the bare
// serviceId key would let whichever endpoint resolves first poison the
// cache for the others (spec.md §4.3).
func (r *Resolver) ResolveLimit(route registry.RouteLookupResult) EffectiveRateLimit {
	serviceID := route.Service().ServiceID
	base, ok := r.serviceRL.Get(serviceID)
	if !ok {
		base = r.merge(route.Service().RateLimit)
		r.serviceRL.Set(serviceID, base)
	}
	if route.IsRouteMatch() {
		return r.mergeOnto(base, route.Endpoint().RateLimit)
	}
	return base
}

// InvalidateService drops the cached EffectiveRateLimit for serviceID,
// called on local registration changes (spec.md §4.3).
func (r *Resolver) InvalidateService(serviceID string) {
	r.serviceRL.Delete(serviceID)
}

// ResolveWSConnectionLimit resolves the WS connection-admission limit for
// the route by merging its effective endpoint → service rate-limit override
// onto WSConnectionDefault (PlatformDefault when that is zero).
func (r *Resolver) ResolveWSConnectionLimit(route registry.RouteLookupResult) EffectiveRateLimit {
	cfg := route.EffectiveRateLimitConfig()
	base := r.opts.WSConnectionDefault
	if base == (EffectiveRateLimit{}) {
		base = r.opts.PlatformDefault
	}
	return r.mergeOnto(base, cfg)
}

// ResolveWSMessageLimit resolves the WS message-throttle limit for
// the route by merging its effective endpoint → service rate-limit override
// onto WSMessageDefault (PlatformDefault when that is zero).
func (r *Resolver) ResolveWSMessageLimit(route registry.RouteLookupResult) EffectiveRateLimit {
	cfg := route.EffectiveRateLimitConfig()
	base := r.opts.WSMessageDefault
	if base == (EffectiveRateLimit{}) {
		base = r.opts.PlatformDefault
	}
	return r.mergeOnto(base, cfg)
}

func (r *Resolver) merge(cfg registry.RateLimitConfig) EffectiveRateLimit {
	return r.mergeOnto(r.opts.PlatformDefault, cfg)
}

func (r *Resolver) mergeOnto(base EffectiveRateLimit, cfg registry.RateLimitConfig) EffectiveRateLimit {
	out := base
	if cfg.RequestsPerWindow != nil {
		out.RequestsPerWindow = *cfg.RequestsPerWindow
	}
	if cfg.WindowSeconds != nil {
		out.WindowSeconds = *cfg.WindowSeconds
	}
	if cfg.BurstCapacity != nil {
		out.BurstCapacity = *cfg.BurstCapacity
	} else if out.BurstCapacity == 0 {
		out.BurstCapacity = out.RequestsPerWindow
	}

	if out.RequestsPerWindow > r.opts.PlatformMaxRequestsPerWindow {
		out.RequestsPerWindow = r.opts.PlatformMaxRequestsPerWindow
		if out.BurstCapacity > out.RequestsPerWindow {
			out.BurstCapacity = out.RequestsPerWindow
		}
	}
	return out
}
