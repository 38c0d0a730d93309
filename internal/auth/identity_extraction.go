// Package auth implements the gateway's auth pipeline (spec.md §4.4):
// caller-identity extraction, session/bearer/API-key validation, JWS
// issuance, and permission-policy enforcement producing a RouteAuthResult
// sum type. Bearer extraction and constant-time secret comparison are
// grounded on the teacher's internal/auth/middleware.go; JWKS caching keyed
// by kid is grounded on erauner12-toolbridge-api/internal/auth/jwt.go.
package auth

import (
	"net"
	"net/http"
	"strings"
)

const (
	sessionCookieName      = "aussie_session"
	sessionHeaderName      = "X-Session-ID"
	apiKeyHeaderName       = "X-API-Key-ID"
	apiKeySecretHeaderName = "X-API-Key-Secret"
	forwardedForHeader     = "X-Forwarded-For"
)

// ExtractedIdentity is the caller identity found by ExtractIdentity,
// tagged with how it was found so Validate can dispatch on it.
type ExtractedIdentity struct {
	Kind   IdentityKind
	Value  string // sessionId, bearer token, api key id, or remote IP
	Secret string // api key secret, only set when Kind == IdentityAPIKey
}

// IdentityKind discriminates the source an ExtractedIdentity came from.
type IdentityKind int

const (
	IdentitySession IdentityKind = iota
	IdentityBearer
	IdentityAPIKey
	IdentityAnonymousIP
)

// presence records whether a session and a bearer credential were seen, for the BadRequest("both a bearer
// and a session cookie are present") check in spec.md §4.4.
type presence struct {
	session bool
	bearer  bool
}

// ExtractIdentity resolves the caller identity per spec.md §4.4's
// precedence: session cookie → X-Session-ID header → Authorization Bearer
// → X-API-Key-ID → remote IP. trustedProxies gates whether X-Forwarded-For
// is honored when falling back to IP-based identity.
func ExtractIdentity(r *http.Request, trustedProxies []*net.IPNet) (ExtractedIdentity, presence) {
	var pres presence

	sessionID := sessionIDFromRequest(r)
	bearer := bearerToken(r)
	pres.session = sessionID != ""
	pres.bearer = bearer != ""

	if sessionID != "" {
		return ExtractedIdentity{Kind: IdentitySession, Value: sessionID}, pres
	}
	if bearer != "" {
		return ExtractedIdentity{Kind: IdentityBearer, Value: bearer}, pres
	}
	if apiKeyID := r.Header.Get(apiKeyHeaderName); apiKeyID != "" {
		return ExtractedIdentity{Kind: IdentityAPIKey, Value: apiKeyID, Secret: r.Header.Get(apiKeySecretHeaderName)}, pres
	}

	return ExtractedIdentity{Kind: IdentityAnonymousIP, Value: clientIP(r, trustedProxies)}, pres
}

func sessionIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(sessionHeaderName)
}

// bearerToken extracts the token from "Authorization: Bearer {token}".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// clientIP returns the immediate peer address, or the left-most
// X-Forwarded-For entry when the peer is a trusted proxy (spec.md §4.4).
func clientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	peerHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peerHost = r.RemoteAddr
	}

	if !isTrustedProxy(peerHost, trustedProxies) {
		return peerHost
	}

	xff := r.Header.Get(forwardedForHeader)
	if xff == "" {
		return peerHost
	}
	parts := strings.Split(xff, ",")
	return strings.TrimSpace(parts[0])
}

// ClientIP resolves the caller's IP using the same trusted-proxy rules
// ExtractIdentity applies to its anonymous-IP identity case. Exported so
// callers outside the auth pipeline (the registry's access-config check)
// can resolve the same address.
func ClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	return clientIP(r, trustedProxies)
}

func isTrustedProxy(host string, trustedProxies []*net.IPNet) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range trustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
