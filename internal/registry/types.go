// Package registry implements the gateway's service registry and route
// resolver (spec.md §4.1): registration CRUD with optimistic versioning, a
// path-template matcher, and route lookup. Struct and JSON-tag conventions
// follow the teacher's internal/domain/models.go; the optimistic-version
// compare-and-swap semantics are grounded on internal/postgres/
// version_store.go's RETURNING-based update, generalized here to an
// in-memory CAS performed by the ServiceStore port (internal/store).
package registry

import "fmt"

// Visibility controls whether a route is reachable without authentication
// context at all (PUBLIC) or only after the auth pipeline has resolved a
// principal (PRIVATE, the default).
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// EndpointType discriminates an HTTP endpoint from a WebSocket endpoint.
type EndpointType string

const (
	EndpointHTTP      EndpointType = "HTTP"
	EndpointWebSocket EndpointType = "WEBSOCKET"
)

// RateLimitConfig is a partial rate-limit override attached to a service or
// an endpoint. Unset fields (nil) fall through to the next level of the
// platform → service → endpoint hierarchy when resolved by
// internal/ratelimit.Resolver.
type RateLimitConfig struct {
	RequestsPerWindow *int `json:"requestsPerWindow,omitempty"`
	WindowSeconds     *int `json:"windowSeconds,omitempty"`
	BurstCapacity     *int `json:"burstCapacity,omitempty"`
}

// VisibilityRule maps a path pattern to a visibility, evaluated in order
// before falling through to endpoint/service defaults.
type VisibilityRule struct {
	PathPattern string     `json:"pathPattern"`
	Visibility  Visibility `json:"visibility"`
}

// AccessConfig restricts which callers may reach a service at the network
// level, independent of principal-based authorization.
type AccessConfig struct {
	AllowedIPs        []string `json:"allowedIps,omitempty"`
	AllowedDomains    []string `json:"allowedDomains,omitempty"`
	AllowedSubdomains []string `json:"allowedSubdomains,omitempty"`
}

// CorsConfig overrides the gateway's default CORS response for a service.
type CorsConfig struct {
	AllowedOrigins   []string `json:"allowedOrigins,omitempty"`
	AllowCredentials bool     `json:"allowCredentials,omitempty"`
}

// PermissionRule names the permissions of which a principal must hold at
// least one to perform operationName.
type PermissionRule struct {
	AnyOfPermissions []string `json:"anyOfPermissions"`
}

// EndpointConfig describes one route within a service (spec.md §3).
type EndpointConfig struct {
	Path         string          `json:"path"`
	Methods      []string        `json:"methods,omitempty"`
	Visibility   *Visibility     `json:"visibility,omitempty"`
	AuthRequired *bool           `json:"authRequired,omitempty"`
	PathRewrite  string          `json:"pathRewrite,omitempty"`
	Type         EndpointType    `json:"type"`
	RateLimit    RateLimitConfig `json:"rateLimitConfig,omitempty"`
	Sampling     *float64        `json:"samplingConfig,omitempty"`
	Audience     string          `json:"audience,omitempty"`
	// OperationName maps this endpoint to a permission-policy key in the
	// owning service's PermissionPolicy, if any.
	OperationName string `json:"operationName,omitempty"`
}

// effectiveMethods returns the endpoint's method set, defaulting to GET
// for WebSocket endpoints per spec.md §3.
func (e EndpointConfig) effectiveMethods() []string {
	if len(e.Methods) > 0 {
		return e.Methods
	}
	if e.Type == EndpointWebSocket {
		return []string{"GET"}
	}
	return nil
}

// allowsMethod reports whether method is permitted by this endpoint,
// honoring the "*" any-method wildcard.
func (e EndpointConfig) allowsMethod(method string) bool {
	for _, m := range e.effectiveMethods() {
		if m == "*" || m == method {
			return true
		}
	}
	return false
}

// ServiceRegistration is the authoritative registry entry for one backend
// service (spec.md §3).
type ServiceRegistration struct {
	ServiceID           string                    `json:"serviceId"`
	DisplayName         string                    `json:"displayName,omitempty"`
	BaseURL             string                    `json:"baseUrl"`
	RoutePrefix         string                    `json:"routePrefix,omitempty"`
	DefaultVisibility   Visibility                `json:"defaultVisibility,omitempty"`
	DefaultAuthRequired bool                      `json:"defaultAuthRequired,omitempty"`
	VisibilityRules     []VisibilityRule          `json:"visibilityRules,omitempty"`
	Endpoints           []EndpointConfig          `json:"endpoints,omitempty"`
	AccessConfig        *AccessConfig             `json:"accessConfig,omitempty"`
	CorsConfig          *CorsConfig               `json:"corsConfig,omitempty"`
	PermissionPolicy    map[string]PermissionRule `json:"permissionPolicy,omitempty"`
	RateLimit           RateLimitConfig           `json:"rateLimitConfig,omitempty"`
	Sampling            *float64                  `json:"samplingConfig,omitempty"`
	Version             int                       `json:"version"`
}

// effectiveRoutePrefix returns RoutePrefix or the "/{serviceId}" default.
func (r ServiceRegistration) effectiveRoutePrefix() string {
	if r.RoutePrefix != "" {
		return r.RoutePrefix
	}
	return "/" + r.ServiceID
}

// effectiveVisibility returns DefaultVisibility or VisibilityPrivate.
func (r ServiceRegistration) effectiveVisibility() Visibility {
	if r.DefaultVisibility == "" {
		return VisibilityPrivate
	}
	return r.DefaultVisibility
}

// RegistrationResult is the sum-type outcome of register/update (spec.md
// §4.1): exactly one of Reg (success) or Reason (failure) is set — callers
// must branch on Ok() rather than inspect fields directly, keeping the
// discriminator exhaustive per spec.md §9.
type RegistrationResult struct {
	reg             *ServiceRegistration
	reason          string
	suggestedStatus int
}

// Success builds a successful RegistrationResult.
func Success(reg ServiceRegistration) RegistrationResult {
	return RegistrationResult{reg: &reg}
}

// Failure builds a failed RegistrationResult with the HTTP status a caller
// should surface (400, 403, 404, or 409).
func Failure(reason string, suggestedStatus int) RegistrationResult {
	return RegistrationResult{reason: reason, suggestedStatus: suggestedStatus}
}

// Ok reports whether the result represents success.
func (r RegistrationResult) Ok() bool { return r.reg != nil }

// Registration returns the registered entry and true on success, or the
// zero value and false on failure.
func (r RegistrationResult) Registration() (ServiceRegistration, bool) {
	if r.reg == nil {
		return ServiceRegistration{}, false
	}
	return *r.reg, true
}

// Reason returns the failure reason and suggested HTTP status. Only
// meaningful when Ok() is false.
func (r RegistrationResult) Reason() (string, int) {
	return r.reason, r.suggestedStatus
}

func (r RegistrationResult) String() string {
	if r.Ok() {
		return fmt.Sprintf("Success(%s)", r.reg.ServiceID)
	}
	return fmt.Sprintf("Failure(%s, %d)", r.reason, r.suggestedStatus)
}

// RouteLookupResult is the sum-type outcome of matchRoute (spec.md §3/§4.1):
// exactly one of RouteMatch or ServiceOnlyMatch, or neither when the lookup
// is a NoMatch (represented by ok=false from MatchRoute).
type RouteLookupResult struct {
	kind            routeResultKind
	service         ServiceRegistration
	endpoint        EndpointConfig
	targetPath      string
	pathVariables   map[string]string
}

type routeResultKind int

const (
	kindRouteMatch routeResultKind = iota
	kindServiceOnlyMatch
)

// IsRouteMatch reports whether a specific endpoint matched.
func (r RouteLookupResult) IsRouteMatch() bool { return r.kind == kindRouteMatch }

// IsServiceOnlyMatch reports whether only the service (pass-through,
// no endpoint) matched.
func (r RouteLookupResult) IsServiceOnlyMatch() bool { return r.kind == kindServiceOnlyMatch }

// Service returns the matched service registration.
func (r RouteLookupResult) Service() ServiceRegistration { return r.service }

// Endpoint returns the matched endpoint config. Only meaningful when
// IsRouteMatch() is true.
func (r RouteLookupResult) Endpoint() EndpointConfig { return r.endpoint }

// TargetPath returns the path to forward to the backend: for a RouteMatch,
// after pathRewrite substitution if any; for a ServiceOnlyMatch, the request
// path remaining after the service prefix.
func (r RouteLookupResult) TargetPath() string { return r.targetPath }

// PathVariables returns the `{name}` captures extracted from the request
// path. Only meaningful when IsRouteMatch() is true.
func (r RouteLookupResult) PathVariables() map[string]string { return r.pathVariables }

// EffectiveVisibility resolves visibility via the endpoint → service →
// platform-default hierarchy (spec.md §3).
func (r RouteLookupResult) EffectiveVisibility() Visibility {
	if r.kind == kindRouteMatch && r.endpoint.Visibility != nil {
		return *r.endpoint.Visibility
	}
	for _, rule := range r.service.VisibilityRules {
		// VisibilityRules are evaluated only here, after the endpoint's own
		// visibility, and match by exact equality with the target path.
		if rule.PathPattern == r.targetPath {
			return rule.Visibility
		}
	}
	return r.service.effectiveVisibility()
}

// EffectiveAuthRequired resolves the authRequired flag via endpoint →
// service hierarchy.
func (r RouteLookupResult) EffectiveAuthRequired() bool {
	if r.kind == kindRouteMatch && r.endpoint.AuthRequired != nil {
		return *r.endpoint.AuthRequired
	}
	return r.service.DefaultAuthRequired
}

// EffectiveRateLimitConfig resolves the rate-limit override via endpoint →
// service hierarchy, merging individual fields (spec.md §4.3).
func (r RouteLookupResult) EffectiveRateLimitConfig() RateLimitConfig {
	merged := r.service.RateLimit
	if r.kind != kindRouteMatch {
		return merged
	}
	ep := r.endpoint.RateLimit
	if ep.RequestsPerWindow != nil {
		merged.RequestsPerWindow = ep.RequestsPerWindow
	}
	if ep.WindowSeconds != nil {
		merged.WindowSeconds = ep.WindowSeconds
	}
	if ep.BurstCapacity != nil {
		merged.BurstCapacity = ep.BurstCapacity
	}
	return merged
}

// EffectiveSamplingRate resolves the tracing sampling rate via endpoint →
// service → 0 default hierarchy.
func (r RouteLookupResult) EffectiveSamplingRate() float64 {
	if r.kind == kindRouteMatch && r.endpoint.Sampling != nil {
		return *r.endpoint.Sampling
	}
	if r.service.Sampling != nil {
		return *r.service.Sampling
	}
	return 0
}
