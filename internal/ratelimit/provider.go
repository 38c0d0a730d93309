package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Provider abstracts the token-bucket backend behind checkAndConsume
// (spec.md §4.3). Implementations are memory (priority 0, always
// available) and distributed/Redis (priority > 0, selected when reachable).
type Provider interface {
	// CheckAndConsume atomically refills and consumes one token for key
	// under limit, returning the resulting decision.
	CheckAndConsume(ctx context.Context, key RateLimitKey, limit EffectiveRateLimit) (RateLimitDecision, error)
	// Priority orders providers when more than one is available; higher
	// wins. Memory is 0; distributed providers are > 0.
	Priority() int
	// Available reports whether the provider's backing store currently
	// answers health checks.
	Available(ctx context.Context) bool
	// Close releases provider resources (e.g. a Redis client pool).
	Close() error
}

// ErrProviderUnavailable is returned by a distributed provider when its
// backing store cannot be reached; the loader treats this as a trigger to
// fail over to the memory provider.
var ErrProviderUnavailable = errors.New("ratelimit: provider unavailable")

// Loader selects the highest-priority available Provider on each call,
// falling back to the always-available memory provider after a configured
// number of consecutive failures from the preferred provider (spec.md
// §4.3's "degraded provider falls back... after N consecutive failures").
type Loader struct {
	memory   Provider
	upstream Provider // nil if no distributed provider configured

	fallbackAfter int64 // N consecutive upstream failures before falling back
	failures      atomic.Int64

	mu               sync.Mutex
	fallbackUntil    time.Time
	fallbackCoolDown time.Duration
}

// NewLoader constructs a Loader. upstream may be nil, in which case the
// memory provider is used unconditionally.
func NewLoader(memory Provider, upstream Provider, fallbackAfter int, coolDown time.Duration) *Loader {
	if fallbackAfter <= 0 {
		fallbackAfter = 3
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Loader{
		memory:           memory,
		upstream:         upstream,
		fallbackAfter:    int64(fallbackAfter),
		fallbackCoolDown: coolDown,
	}
}

// Current returns the provider that should service the next request.
func (l *Loader) Current(ctx context.Context) Provider {
	if l.upstream == nil {
		return l.memory
	}

	l.mu.Lock()
	inCoolDown := time.Now().Before(l.fallbackUntil)
	l.mu.Unlock()
	if inCoolDown {
		return l.memory
	}

	if !l.upstream.Available(ctx) {
		l.recordFailure()
		return l.memory
	}
	return l.upstream
}

// CheckAndConsume routes to Current(ctx), demoting to the memory provider
// on error without surfacing a 500 (spec.md §4.3 failure policy: "decisions
// default to allow... rate limits must never produce false 500s").
func (l *Loader) CheckAndConsume(ctx context.Context, key RateLimitKey, limit EffectiveRateLimit) (RateLimitDecision, error) {
	provider := l.Current(ctx)
	decision, err := provider.CheckAndConsume(ctx, key, limit)
	if err == nil {
		if provider == l.upstream {
			l.failures.Store(0)
		}
		return decision, nil
	}

	if provider == l.upstream {
		l.recordFailure()
	}

	// Fail open: allow the request and let the caller emit a providerError
	// telemetry event rather than surfacing a synthetic 500.
	return RateLimitDecision{
		Allowed:             true,
		Limit:               limit.BurstCapacity,
		Remaining:           limit.BurstCapacity,
		WindowSeconds:       limit.WindowSeconds,
		ResetAtEpochSeconds: time.Now().Add(time.Duration(limit.WindowSeconds) * time.Second).Unix(),
	}, err
}

func (l *Loader) recordFailure() {
	n := l.failures.Add(1)
	if n >= l.fallbackAfter {
		l.mu.Lock()
		l.fallbackUntil = time.Now().Add(l.fallbackCoolDown)
		l.mu.Unlock()
		l.failures.Store(0)
	}
}

// Close closes both providers.
func (l *Loader) Close() error {
	var firstErr error
	if l.upstream != nil {
		if err := l.upstream.Close(); err != nil {
			firstErr = err
		}
	}
	if err := l.memory.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
