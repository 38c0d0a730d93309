package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is per-key token bucket state. Grounded on the teacher's
// tokenBucket (internal/api/ratelimit.go), generalized from a fixed
// per-process RequestsPerSecond/Burst pair to the spec's windowed
// R/W/B parameters (spec.md §4.3).
type bucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	requestCount int64
}

// allow refills tokens for elapsed time against limit, then attempts to
// consume one token. Mirrors spec.md §4.3's algorithm exactly:
// tokens = min(B, tokens + elapsed_seconds * R / W).
func (b *bucket) allow(now time.Time, limit EffectiveRateLimit) RateLimitDecision {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := float64(limit.RequestsPerWindow) / float64(limit.WindowSeconds)
	burst := float64(limit.BurstCapacity)

	elapsed := now.Sub(b.lastRefill).Seconds()
	if b.lastRefill.IsZero() {
		b.tokens = burst
		elapsed = 0
	}
	b.tokens = math.Min(burst, b.tokens+elapsed*rate)
	b.lastRefill = now

	allowed := b.tokens >= 1.0
	var retryAfter int64
	if allowed {
		b.tokens--
		b.requestCount++
	} else if rate > 0 {
		retryAfter = int64(math.Ceil((1.0 - b.tokens) * float64(limit.WindowSeconds) / float64(limit.RequestsPerWindow)))
		if retryAfter < 1 {
			retryAfter = 1
		}
	}

	return RateLimitDecision{
		Allowed:             allowed,
		Limit:               limit.BurstCapacity,
		Remaining:           int(math.Floor(b.tokens)),
		ResetAtEpochSeconds: b.lastRefill.Add(time.Duration(limit.WindowSeconds) * time.Second).Unix(),
		RetryAfterSeconds:   retryAfter,
		RequestCount:        b.requestCount,
		WindowSeconds:       limit.WindowSeconds,
	}
}

// MemoryProvider is the always-available, in-process token-bucket
// Provider (priority 0). Cleanup of stale per-key buckets is grounded on
// the teacher's RateLimiter.cleanup background goroutine.
type MemoryProvider struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	cleanupInterval time.Duration
	staleAfter      time.Duration
	lastSeen        map[string]time.Time

	stop chan struct{}
	once sync.Once
}

// NewMemoryProvider constructs a MemoryProvider and starts its background
// cleanup goroutine. Call Close to stop it.
func NewMemoryProvider() *MemoryProvider {
	p := &MemoryProvider{
		buckets:         make(map[string]*bucket),
		lastSeen:        make(map[string]time.Time),
		cleanupInterval: 5 * time.Minute,
		staleAfter:      10 * time.Minute,
		stop:            make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

func (p *MemoryProvider) Priority() int { return 0 }

func (p *MemoryProvider) Available(_ context.Context) bool { return true }

func (p *MemoryProvider) CheckAndConsume(_ context.Context, key RateLimitKey, limit EffectiveRateLimit) (RateLimitDecision, error) {
	k := key.String()

	p.mu.Lock()
	b, ok := p.buckets[k]
	if !ok {
		b = &bucket{}
		p.buckets[k] = b
	}
	p.lastSeen[k] = time.Now()
	p.mu.Unlock()

	return b.allow(time.Now(), limit), nil
}

func (p *MemoryProvider) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.staleAfter)
			p.mu.Lock()
			for k, seen := range p.lastSeen {
				if seen.Before(cutoff) {
					delete(p.buckets, k)
					delete(p.lastSeen, k)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *MemoryProvider) Close() error {
	p.once.Do(func() { close(p.stop) })
	return nil
}
