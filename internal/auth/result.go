package auth

import (
	"fmt"

	"github.com/aussiehq/gateway/internal/identity"
)

// RouteAuthResult is the sum-type outcome of the auth pipeline (spec.md
// §4.4): exactly one of Authenticated/NotRequired/Unauthorized/Forbidden/
// BadRequest. Callers must branch via the Is*/As* accessors rather than
// inspect fields directly, mirroring internal/registry.RegistrationResult's
// discriminated-struct convention (spec.md §9).
type RouteAuthResult struct {
	kind       authResultKind
	token      identity.SessionToken
	reason     string
	apiKeyID   string
	apiKeyName string
}

type authResultKind int

const (
	kindAuthenticated authResultKind = iota
	kindNotRequired
	kindUnauthorized
	kindForbidden
	kindBadRequest
)

// Authenticated builds a successful result carrying the freshly issued
// aussie-signed forwarding token.
func Authenticated(token identity.SessionToken) RouteAuthResult {
	return RouteAuthResult{kind: kindAuthenticated, token: token}
}

// AuthenticatedViaAPIKey builds a successful result for a caller who
// authenticated with an API key, additionally carrying the key's id/name so
// the proxy can emit X-Aussie-Key-Id/X-Aussie-Key-Name on the outbound
// request (spec.md §6).
func AuthenticatedViaAPIKey(token identity.SessionToken, apiKeyID, apiKeyName string) RouteAuthResult {
	return RouteAuthResult{kind: kindAuthenticated, token: token, apiKeyID: apiKeyID, apiKeyName: apiKeyName}
}

// NotRequired builds a result for a public, unauthenticated route.
func NotRequired() RouteAuthResult { return RouteAuthResult{kind: kindNotRequired} }

// Unauthorized builds a result for missing/invalid credentials on a
// protected route.
func Unauthorized(reason string) RouteAuthResult {
	return RouteAuthResult{kind: kindUnauthorized, reason: reason}
}

// Forbidden builds a result for a valid identity denied by permission
// policy.
func Forbidden(reason string) RouteAuthResult {
	return RouteAuthResult{kind: kindForbidden, reason: reason}
}

// BadRequest builds a result for an ambiguous/malformed credential
// presentation (e.g. both a bearer token and a session cookie present).
func BadRequest(reason string) RouteAuthResult {
	return RouteAuthResult{kind: kindBadRequest, reason: reason}
}

func (r RouteAuthResult) IsAuthenticated() bool { return r.kind == kindAuthenticated }
func (r RouteAuthResult) IsNotRequired() bool   { return r.kind == kindNotRequired }
func (r RouteAuthResult) IsUnauthorized() bool  { return r.kind == kindUnauthorized }
func (r RouteAuthResult) IsForbidden() bool     { return r.kind == kindForbidden }
func (r RouteAuthResult) IsBadRequest() bool    { return r.kind == kindBadRequest }

// Allowed reports whether the request may proceed to the backend
// (Authenticated or NotRequired).
func (r RouteAuthResult) Allowed() bool {
	return r.kind == kindAuthenticated || r.kind == kindNotRequired
}

// Token returns the issued forwarding token. Only meaningful when
// IsAuthenticated() is true.
func (r RouteAuthResult) Token() identity.SessionToken { return r.token }

// APIKeyIdentity returns the authenticating key's id and name, both empty
// when the caller did not authenticate via API key.
func (r RouteAuthResult) APIKeyIdentity() (id, name string) { return r.apiKeyID, r.apiKeyName }

// Reason returns the rejection reason. Only meaningful when the result is
// not Allowed().
func (r RouteAuthResult) Reason() string { return r.reason }

// Status maps the result kind to the suggested HTTP status (spec.md §7).
func (r RouteAuthResult) Status() int {
	switch r.kind {
	case kindAuthenticated, kindNotRequired:
		return 200
	case kindUnauthorized:
		return 401
	case kindForbidden:
		return 403
	case kindBadRequest:
		return 400
	default:
		return 500
	}
}

func (r RouteAuthResult) String() string {
	switch r.kind {
	case kindAuthenticated:
		return "Authenticated"
	case kindNotRequired:
		return "NotRequired"
	case kindUnauthorized:
		return fmt.Sprintf("Unauthorized(%s)", r.reason)
	case kindForbidden:
		return fmt.Sprintf("Forbidden(%s)", r.reason)
	case kindBadRequest:
		return fmt.Sprintf("BadRequest(%s)", r.reason)
	default:
		return "Unknown"
	}
}
