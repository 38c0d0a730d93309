// Package api implements the gateway's HTTP surface (spec.md §6): the
// admin registry/api-key routes, tenant ingress dispatch (HTTP and
// WebSocket), and the liveness/readiness/metrics endpoints. Middleware
// stack, JSON-error helpers, and request-scoped logging follow the
// teacher's internal/api/router.go; the ingress dispatch and error
// taxonomy are new, generalized from the teacher's per-resource routing
// to the gateway's single path-parse → route-match → dispatch pipeline.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/aussiehq/gateway/internal/auth"
	"github.com/aussiehq/gateway/internal/problem"
	"github.com/aussiehq/gateway/internal/proxy"
	"github.com/aussiehq/gateway/internal/ratelimit"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
	"github.com/aussiehq/gateway/internal/telemetry"
	"github.com/aussiehq/gateway/internal/wsproxy"
)

// maxAdminBodyBytes caps admin JSON request bodies (1MB).
const maxAdminBodyBytes = 1 << 20

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// limitJSONBody caps admin request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Server holds every dependency the gateway's routes need (spec.md §4,
// §6). Nil-able fields (Metrics, Events, Tracer, ApiKeys) degrade
// gracefully rather than panicking, so unit tests can wire a minimal
// subset.
type Server struct {
	Registry  *registry.ServiceRegistry
	Resolver  *ratelimit.Resolver
	RateLimit *ratelimit.Loader
	Auth      *auth.Pipeline
	Proxy     *proxy.Proxy
	WS        *wsproxy.Proxy

	Services store.ServiceStore
	Sessions store.SessionStore
	ApiKeys  store.ApiKeyStore

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  store.SecurityEventSink

	TrustedProxies []*net.IPNet

	// CORSOrigins is the gateway's own default CORS response (spec.md §6's
	// cors.* config keys).
	CORSOrigins     []string
	CORSCredentials bool
	AdminAuth       func(http.Handler) http.Handler
}

// NewRouter builds the gateway's chi router (spec.md §6's ingress surface).
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	hasWildcard := false
	for _, o := range corsOrigins {
		if o == "*" {
			hasWildcard = true
			break
		}
	}
	corsOpts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-ID", "X-API-Key-ID", "X-API-Key-Secret", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: srv.CORSCredentials,
		MaxAge:           300,
	}
	if hasWildcard && srv.CORSCredentials {
		slog.Warn("cors: wildcard origin with allow_credentials — using dynamic origin reflection")
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool { return true }
	} else {
		corsOpts.AllowedOrigins = corsOrigins
	}

	r.Use(perServiceCORS(srv, corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", srv.HandleHealth)
	r.Get("/q/health/live", srv.HandleHealthLive)
	r.Get("/q/health/ready", srv.HandleHealthReady)
	r.Get("/q/metrics", srv.HandleMetrics)

	adminAuth := srv.AdminAuth
	if adminAuth == nil {
		adminAuth = auth.Noop()
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(limitJSONBody)
		r.Use(adminAuth)
		MountServiceAdminRoutes(r, srv)
		MountApiKeyAdminRoutes(r, srv)
	})

	// Everything else is tenant ingress: /{serviceId}/{...path}.
	r.HandleFunc("/*", srv.HandleIngress)

	return r
}

// perServiceCORS derives each request's CORS handling from its matched
// service's CorsConfig override when present, falling back to the
// gateway's own default policy otherwise (spec.md §5's per-service
// corsConfig override, resolved the same endpoint → service → platform
// hierarchy other route properties use). Per-service *cors.Cors instances
// are built once per serviceId and cached for the life of the process, since
// the registry's expected size — tens to low hundreds of services — makes
// per-request construction wasteful. The cache is never invalidated: a later
// change to a service's CorsConfig is not picked up by an instance already built.
func perServiceCORS(srv *Server, defaults cors.Options) func(http.Handler) http.Handler {
	fallback := cors.New(defaults)

	var mu sync.RWMutex
	perService := make(map[string]*cors.Cors)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := fallback
			if srv.Registry != nil {
				if route, ok := srv.Registry.MatchRoute(r.URL.Path, r.Method); ok {
					if svcCors := route.Service().CorsConfig; svcCors != nil {
						serviceID := route.Service().ServiceID
						mu.RLock()
						cached, found := perService[serviceID]
						mu.RUnlock()
						if !found {
							opts := defaults
							opts.AllowedOrigins = svcCors.AllowedOrigins
							opts.AllowCredentials = svcCors.AllowCredentials
							opts.AllowOriginFunc = nil
							for _, o := range svcCors.AllowedOrigins {
								if o == "*" && svcCors.AllowCredentials {
									opts.AllowOriginFunc = func(_ *http.Request, _ string) bool { return true }
									break
								}
							}
							cached = cors.New(opts)
							mu.Lock()
							perService[serviceID] = cached
							mu.Unlock()
						}
						c = cached
					}
				}
			}
			c.Handler(next).ServeHTTP(w, r)
		})
	}
}

// HandleIngress implements spec.md §4.1/§4.6's ingress dispatch: route
// match, access-config check, then either the WebSocket pipeline or the
// HTTP rate-limit/auth/proxy sequence.
func (s *Server) HandleIngress(w http.ResponseWriter, r *http.Request) {
	route, ok := s.Registry.MatchRoute(r.URL.Path, r.Method)
	if !ok {
		problem.WriteKind(w, problem.KindServiceNotFound, "no registered service matches this path")
		return
	}

	clientIP := auth.ClientIP(r, s.TrustedProxies)
	if !route.Service().AccessConfig.Allows(clientIP, r.Host) {
		problem.WriteKind(w, problem.KindForbidden, "caller is not permitted to access this service")
		s.notify(r.Context(), "access_denied", clientIP, route.Service().ServiceID, "accessConfig denied caller")
		return
	}

	if wsproxy.IsUpgradeRequest(r) {
		if s.WS == nil {
			problem.WriteKind(w, problem.KindInternalError, "websocket proxy not configured")
			return
		}
		s.WS.Handle(w, r, route)
		return
	}

	s.handleHTTP(w, r, route)
}

// handleHTTP runs the HTTP-leg pipeline: rate limit, auth, proxy (spec.md
// §4.1 data-flow diagram's "(HTTP path)" branch).
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request, route registry.RouteLookupResult) {
	ctx := r.Context()
	serviceID := route.Service().ServiceID
	clientID := s.clientIdentity(r)

	if s.Tracer != nil {
		var span trace.Span
		ctx, span = s.Tracer.StartRequestSpan(ctx, r, route)
		defer span.End()
	}

	limit := s.Resolver.ResolveLimit(route)
	key := ratelimit.RateLimitKey{ClientIdentity: clientID, Scope: ratelimit.HTTPScope(serviceID)}
	decision, _ := s.RateLimit.CheckAndConsume(ctx, key, limit)
	s.recordRateLimitMetric(serviceID, key.Scope, decision.Allowed)
	decision.WriteHeaders(w)
	if !decision.Allowed {
		problem.Write(w, withRateLimitExtensions(problem.Of(problem.KindTooManyRequests, "rate limit exceeded"), decision))
		s.notify(ctx, "RateLimitExceeded", clientID, serviceID, "http rate limit exceeded")
		return
	}

	authResult := s.Auth.Authorize(ctx, r, route)
	if !authResult.Allowed() {
		kind := problem.KindUnauthorized
		eventKind := "auth_failed"
		switch {
		case authResult.IsForbidden():
			kind = problem.KindForbidden
			eventKind = "forbidden"
		case authResult.IsBadRequest():
			kind = problem.KindValidationError
			eventKind = "bad_request"
		}
		problem.WriteKind(w, kind, authResult.Reason())
		s.notify(ctx, eventKind, clientID, serviceID, authResult.Reason())
		return
	}

	var forwardToken, apiKeyID, apiKeyName string
	if authResult.IsAuthenticated() {
		forwardToken = authResult.Token().Token
		apiKeyID, apiKeyName = authResult.APIKeyIdentity()
	}
	s.Proxy.Forward(w, r, route, forwardToken, apiKeyID, apiKeyName)
}

func (s *Server) clientIdentity(r *http.Request) string {
	extracted, _ := auth.ExtractIdentity(r, s.TrustedProxies)
	return extracted.Value
}

func (s *Server) recordRateLimitMetric(serviceID, scope string, allowed bool) {
	if s.Metrics == nil {
		return
	}
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}
	s.Metrics.IncCounter("gateway_rate_limit_decisions_total", map[string]string{
		"service": serviceID,
		"scope":   scope,
		"allowed": allowedStr,
	})
}

func (s *Server) notify(ctx context.Context, kind, clientID, serviceID, reason string) {
	if s.Events == nil {
		return
	}
	s.Events.Dispatch(ctx, store.SecurityEvent{Kind: kind, ClientID: clientID, ServiceID: serviceID, Reason: reason})
}

func withRateLimitExtensions(p problem.Problem, d ratelimit.RateLimitDecision) problem.Problem {
	p.Extensions = map[string]any{
		"limit":      d.Limit,
		"remaining":  0,
		"resetAt":    d.ResetAtEpochSeconds,
		"retryAfter": d.RetryAfterSeconds,
	}
	return p
}
