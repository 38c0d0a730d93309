// Package ratelimit implements the gateway's rate limiter provider SPI
// (spec.md §4.3): a memory-backed token-bucket provider always available as
// fallback, a Redis-backed distributed provider selected when reachable, and
// a resolver that merges endpoint → service → platform rate-limit
// configuration. Algorithm and concurrency shape are grounded on the
// teacher's internal/api/ratelimit.go tokenBucket/RateLimiter; the
// provider/priority/fallback SPI is grounded on internal/ratelimit/
// distributed.go, whose RedisLimiter was an unimplemented placeholder this
// package implements for real against github.com/redis/go-redis/v9.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
)

// RateLimitKey is the discriminated tuple a checkAndConsume call is keyed
// by (spec.md §3): a client identity plus a scope distinguishing HTTP
// traffic, WebSocket connection admission, WebSocket message throttling,
// and auth-pipeline-scoped checks.
type RateLimitKey struct {
	ClientIdentity string
	Scope          string
}

// HTTPScope builds the "http:{serviceId}" scope.
func HTTPScope(serviceID string) string { return fmt.Sprintf("http:%s", serviceID) }

// WSConnScope builds the "ws-conn:{serviceId}" scope.
func WSConnScope(serviceID string) string { return fmt.Sprintf("ws-conn:%s", serviceID) }

// WSMsgScope builds the "ws-msg:{serviceId}:{sessionId}" scope.
func WSMsgScope(serviceID, sessionID string) string {
	return fmt.Sprintf("ws-msg:%s:%s", serviceID, sessionID)
}

// AuthScope builds the "auth:{ipOrUser}" scope.
func AuthScope(ipOrUser string) string { return fmt.Sprintf("auth:%s", ipOrUser) }

// String renders the key in "{scope}|{clientIdentity}" form, used as the
// provider-level storage key (Redis key suffix / in-memory map key).
func (k RateLimitKey) String() string { return k.Scope + "|" + k.ClientIdentity }

// RateLimitDecision is the outcome of a checkAndConsume call (spec.md §3).
type RateLimitDecision struct {
	Allowed             bool
	Limit               int
	Remaining           int
	ResetAtEpochSeconds int64
	RetryAfterSeconds   int64
	RequestCount        int64
	WindowSeconds       int
}

// EffectiveRateLimit is the fully-resolved limit configuration for one
// RateLimitKey, always capped at platformMaxRequestsPerWindow (spec.md §3).
type EffectiveRateLimit struct {
	RequestsPerWindow int
	WindowSeconds     int
	BurstCapacity     int
}

// WriteHeaders sets the rate-limit response headers spec.md §6 requires on
// both the HTTP 429 path (internal/gatewayapi) and the pre-upgrade WS 429
// path (internal/wsproxy), so both call sites share one header convention.
func (d RateLimitDecision) WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAtEpochSeconds, 10))
	if !d.Allowed {
		h.Set("X-RateLimit-Remaining", "0")
		retryAfter := d.RetryAfterSeconds
		if retryAfter <= 0 {
			retryAfter = 1
		}
		h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
}

// DefaultEffectiveRateLimit is used when no registration overrides any
// field: 50 requests per 1-second window, burst equal to the rate.
var DefaultEffectiveRateLimit = EffectiveRateLimit{
	RequestsPerWindow: 50,
	WindowSeconds:     1,
	BurstCapacity:     50,
}
