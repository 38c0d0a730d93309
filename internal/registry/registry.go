package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aussiehq/gateway/internal/primitives/cache"
	"github.com/aussiehq/gateway/internal/primitives/uri"
)

// Store is the persistence port a ServiceRegistry depends on. Defined
// locally (rather than importing internal/store) so this package has no
// dependency on the store package; internal/store.ServiceStore satisfies
// this interface structurally.
type Store interface {
	Get(ctx context.Context, serviceID string) (ServiceRegistration, error)
	List(ctx context.Context) ([]ServiceRegistration, error)
	Put(ctx context.Context, reg ServiceRegistration) (ServiceRegistration, error)
	Delete(ctx context.Context, serviceID string) (bool, error)
}

// reservedFirstSegments bypasses registry lookup entirely — these serve
// the gateway's own admin/health/internal surface (spec.md §4.1 step 1).
var reservedFirstSegments = map[string]bool{
	"admin":   true,
	"q":       true,
	"gateway": true,
}

// IsReservedSegment reports whether segment is one of the gateway's
// reserved first path segments.
func IsReservedSegment(segment string) bool {
	return reservedFirstSegments[segment]
}

// Options configures platform-wide registry policy.
type Options struct {
	// PublicDefaultVisibilityEnabled gates whether a registration with
	// defaultVisibility=PUBLIC is accepted (spec.md §3 invariant).
	PublicDefaultVisibilityEnabled bool
	// RouteCache caches matchRoute results keyed by "{method} {path}" to
	// avoid recompiling/rematching on every request for hot routes.
	RouteCache cache.Options
}

// ServiceRegistry is the durable registration store plus fast route lookup
// (spec.md §4.1). CRUD operations persist through Store; matchRoute reads
// an in-process snapshot kept current by updating it on every mutation made
// through this registry (suitable for the registry's expected size — tens to low hundreds of
// services, not a hot path needing finer-grained invalidation).
type ServiceRegistry struct {
	store    Store
	opts     Options
	compiler *pathCompiler

	mu       sync.RWMutex
	byID     map[string]ServiceRegistration
	routeHit *cache.Cache[string, RouteLookupResult]
}

// New constructs a ServiceRegistry backed by store. It eagerly loads the
// current registration snapshot from store.
func New(ctx context.Context, store Store, opts Options) (*ServiceRegistry, error) {
	r := &ServiceRegistry{
		store:    store,
		opts:     opts,
		compiler: newPathCompiler(),
		byID:     make(map[string]ServiceRegistration),
		routeHit: cache.New[string, RouteLookupResult](opts.RouteCache),
	}
	regs, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: initial load: %w", err)
	}
	for _, reg := range regs {
		r.byID[reg.ServiceID] = reg
	}
	return r, nil
}

// Register validates and persists a new registration at version 1
// (spec.md §4.1).
func (r *ServiceRegistry) Register(ctx context.Context, reg ServiceRegistration) RegistrationResult {
	if err := r.validate(reg); err != nil {
		return errToFailure(err)
	}

	r.mu.RLock()
	_, exists := r.byID[reg.ServiceID]
	r.mu.RUnlock()
	if exists {
		return Failure(fmt.Sprintf("service %q already registered", reg.ServiceID), 409)
	}

	reg.Version = 1
	stored, err := r.store.Put(ctx, reg)
	if err != nil {
		return Failure(err.Error(), 409)
	}

	r.mu.Lock()
	r.byID[stored.ServiceID] = stored
	r.mu.Unlock()
	r.routeHit.Clear()

	return Success(stored)
}

// Update performs a compare-and-swap update keyed on reg.Version
// (spec.md §4.1): on mismatch returns Failure("version conflict", 409).
func (r *ServiceRegistry) Update(ctx context.Context, reg ServiceRegistration) RegistrationResult {
	if err := r.validate(reg); err != nil {
		return errToFailure(err)
	}

	r.mu.RLock()
	current, exists := r.byID[reg.ServiceID]
	r.mu.RUnlock()
	if !exists {
		return Failure(fmt.Sprintf("service %q not found", reg.ServiceID), 404)
	}
	if current.Version != reg.Version {
		return Failure("version conflict", 409)
	}

	reg.Version = current.Version + 1
	stored, err := r.store.Put(ctx, reg)
	if err != nil {
		return Failure("version conflict", 409)
	}

	r.mu.Lock()
	r.byID[stored.ServiceID] = stored
	r.mu.Unlock()
	r.routeHit.Clear()

	return Success(stored)
}

// Unregister removes a registration by id, returning false if it did not
// exist (idempotent no-op per spec.md §8).
func (r *ServiceRegistry) Unregister(ctx context.Context, serviceID string) (bool, error) {
	ok, err := r.store.Delete(ctx, serviceID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	delete(r.byID, serviceID)
	r.mu.Unlock()
	r.routeHit.Clear()
	return ok, nil
}

// Get returns a registration by id.
func (r *ServiceRegistry) Get(serviceID string) (ServiceRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[serviceID]
	return reg, ok
}

// ListAll returns every registered service.
func (r *ServiceRegistry) ListAll() []ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceRegistration, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg)
	}
	return out
}

// MatchRoute resolves (path, method) to a RouteLookupResult following the
// deterministic algorithm of spec.md §4.1. The second return value is false
// on NoMatch (no such service, or reserved segment).
func (r *ServiceRegistry) MatchRoute(path, method string) (RouteLookupResult, bool) {
	cacheKey := method + " " + path
	if cached, ok := r.routeHit.Get(cacheKey); ok {
		return cached, true
	}

	serviceID, remainder := splitFirstSegment(path)
	if serviceID == "" || IsReservedSegment(serviceID) {
		return RouteLookupResult{}, false
	}

	r.mu.RLock()
	reg, ok := r.byID[serviceID]
	r.mu.RUnlock()
	if !ok {
		return RouteLookupResult{}, false
	}

	if remainder == "" {
		remainder = "/"
	} else if !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}

	for _, ep := range reg.Endpoints {
		ce := r.compiler.compile(ep)
		vars, matched := ce.match(remainder, method)
		if !matched {
			continue
		}
		targetPath := remainder
		if ep.PathRewrite != "" {
			targetPath = substitutePathRewrite(ep.PathRewrite, vars)
		}
		result := RouteLookupResult{
			kind:          kindRouteMatch,
			service:       reg,
			endpoint:      ep,
			targetPath:    targetPath,
			pathVariables: vars,
		}
		r.routeHit.Set(cacheKey, result)
		return result, true
	}

	// No endpoint matched — pass-through service.
	result := RouteLookupResult{
		kind:       kindServiceOnlyMatch,
		service:    reg,
		targetPath: remainder,
	}
	r.routeHit.Set(cacheKey, result)
	return result, true
}

// splitFirstSegment splits "/svc-a/users/42" into ("svc-a", "/users/42").
// An empty or "/" path yields ("", "").
func splitFirstSegment(path string) (first, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx:]
}

// validate enforces the registration invariants of spec.md §3: SSRF-safe
// baseUrl, visibility policy, and duplicate {path,method} rejection.
func (r *ServiceRegistry) validate(reg ServiceRegistration) error {
	if strings.TrimSpace(reg.ServiceID) == "" {
		return &validationError{"serviceId must not be blank", 400}
	}
	if !isURLSafe(reg.ServiceID) {
		return &validationError{fmt.Sprintf("serviceId %q is not URL-safe", reg.ServiceID), 400}
	}

	if _, err := uri.ValidateUpstream(reg.BaseURL); err != nil {
		return &validationError{err.Error(), 400}
	}

	if reg.DefaultVisibility == VisibilityPublic && !r.opts.PublicDefaultVisibilityEnabled {
		return &validationError{"public default visibility is not enabled on this platform", 403}
	}

	seen := make(map[string]bool, len(reg.Endpoints))
	for _, ep := range reg.Endpoints {
		for _, m := range ep.effectiveMethods() {
			key := ep.Path + " " + m
			if seen[key] {
				return &validationError{fmt.Sprintf("duplicate endpoint %s %s", m, ep.Path), 400}
			}
			seen[key] = true
		}
	}

	return nil
}

type validationError struct {
	reason string
	status int
}

func (e *validationError) Error() string { return e.reason }

func errToFailure(err error) RegistrationResult {
	if ve, ok := err.(*validationError); ok {
		return Failure(ve.reason, ve.status)
	}
	return Failure(err.Error(), 400)
}

// isURLSafe reports whether s contains only characters safe for use as a
// path segment (letters, digits, hyphen, underscore).
func isURLSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
