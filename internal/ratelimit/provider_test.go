package ratelimit_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiehq/gateway/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	priority    int
	available   bool
	failNext    atomic.Bool
	callCount   atomic.Int64
	closed      atomic.Bool
	forcedError error
}

func (f *fakeProvider) Priority() int { return f.priority }
func (f *fakeProvider) Available(_ context.Context) bool { return f.available }
func (f *fakeProvider) Close() error { f.closed.Store(true); return nil }
func (f *fakeProvider) CheckAndConsume(_ context.Context, _ ratelimit.RateLimitKey, limit ratelimit.EffectiveRateLimit) (ratelimit.RateLimitDecision, error) {
	f.callCount.Add(1)
	if f.failNext.Load() {
		return ratelimit.RateLimitDecision{}, f.forcedError
	}
	return ratelimit.RateLimitDecision{Allowed: true, Limit: limit.BurstCapacity}, nil
}

func TestLoader_PrefersUpstreamWhenAvailable(t *testing.T) {
	memory := &fakeProvider{priority: 0, available: true}
	upstream := &fakeProvider{priority: 10, available: true}
	loader := ratelimit.NewLoader(memory, upstream, 3, time.Minute)

	current := loader.Current(context.Background())
	assert.Same(t, upstream, current)
}

func TestLoader_FallsBackWhenUpstreamUnavailable(t *testing.T) {
	memory := &fakeProvider{priority: 0, available: true}
	upstream := &fakeProvider{priority: 10, available: false}
	loader := ratelimit.NewLoader(memory, upstream, 3, time.Minute)

	current := loader.Current(context.Background())
	assert.Same(t, memory, current)
}

func TestLoader_NoUpstreamConfigured_AlwaysMemory(t *testing.T) {
	memory := &fakeProvider{priority: 0, available: true}
	loader := ratelimit.NewLoader(memory, nil, 3, time.Minute)

	current := loader.Current(context.Background())
	assert.Same(t, memory, current)
}

func TestLoader_FailsOpenOnProviderError(t *testing.T) {
	memory := &fakeProvider{priority: 0, available: true}
	upstream := &fakeProvider{priority: 10, available: true, forcedError: errors.New("boom")}
	upstream.failNext.Store(true)
	loader := ratelimit.NewLoader(memory, upstream, 3, time.Minute)

	limit := ratelimit.EffectiveRateLimit{RequestsPerWindow: 10, WindowSeconds: 1, BurstCapacity: 10}
	decision, err := loader.CheckAndConsume(context.Background(), ratelimit.RateLimitKey{ClientIdentity: "c", Scope: "http:svc-a"}, limit)

	require.Error(t, err)
	assert.True(t, decision.Allowed, "must fail open, never a synthetic rejection")
}

func TestLoader_FallsBackAfterNConsecutiveFailures(t *testing.T) {
	memory := &fakeProvider{priority: 0, available: true}
	upstream := &fakeProvider{priority: 10, available: true, forcedError: errors.New("boom")}
	upstream.failNext.Store(true)
	loader := ratelimit.NewLoader(memory, upstream, 2, time.Minute)

	limit := ratelimit.EffectiveRateLimit{RequestsPerWindow: 10, WindowSeconds: 1, BurstCapacity: 10}
	key := ratelimit.RateLimitKey{ClientIdentity: "c", Scope: "http:svc-a"}

	loader.CheckAndConsume(context.Background(), key, limit)
	loader.CheckAndConsume(context.Background(), key, limit)

	// After 2 consecutive failures, the loader should be in cool-down and
	// route to memory without calling upstream again.
	callsBefore := upstream.callCount.Load()
	current := loader.Current(context.Background())
	assert.Same(t, memory, current)
	assert.Equal(t, callsBefore, upstream.callCount.Load())
}

func TestLoader_Close_ClosesBothProviders(t *testing.T) {
	memory := &fakeProvider{priority: 0, available: true}
	upstream := &fakeProvider{priority: 10, available: true}
	loader := ratelimit.NewLoader(memory, upstream, 3, time.Minute)

	require.NoError(t, loader.Close())
	assert.True(t, memory.closed.Load())
	assert.True(t, upstream.closed.Load())
}
