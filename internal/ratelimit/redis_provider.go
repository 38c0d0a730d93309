package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndConsumeScript implements the same token-bucket algorithm as
// MemoryProvider's bucket.allow, but atomically server-side so concurrent
// gateway instances serialize on the same Redis key (spec.md §4.3's
// concurrency requirement: "two concurrent callers on the same key must
// see serialized token consumption"). KEYS[1] is the bucket hash key;
// ARGV is rate, burst, windowSeconds, nowUnixNano.
var checkAndConsumeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = tonumber(redis.call("HGET", key, "tokens"))
local lastRefill = tonumber(redis.call("HGET", key, "last_refill_ns"))
local requestCount = tonumber(redis.call("HGET", key, "request_count")) or 0

if tokens == nil or lastRefill == nil then
  tokens = burst
  lastRefill = now
end

local elapsedSeconds = (now - lastRefill) / 1e9
if elapsedSeconds < 0 then elapsedSeconds = 0 end
tokens = math.min(burst, tokens + elapsedSeconds * rate)

local allowed = 0
if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1
  requestCount = requestCount + 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill_ns", tostring(now), "request_count", tostring(requestCount))
redis.call("EXPIRE", key, window * 2)

return {allowed, tostring(tokens), tostring(requestCount)}
`)

// RedisProvider implements Provider with github.com/redis/go-redis/v9,
// replacing the teacher's internal/ratelimit/distributed.go RedisLimiter
// placeholder (which always returned Allowed: true as a TODO). Key layout
// and EVAL-script-based atomicity are grounded on
// other_examples/…wso2-api-platform…ratelimit.go's Redis-backed limiter
// and other_examples/…wudi-gateway…managers.go's manager-per-backend shape.
type RedisProvider struct {
	client    *redis.Client
	keyPrefix string
}

// RedisProviderConfig configures a RedisProvider.
type RedisProviderConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// DefaultRedisProviderConfig returns sensible defaults.
func DefaultRedisProviderConfig() RedisProviderConfig {
	return RedisProviderConfig{
		KeyPrefix: "aussiegw:rl:",
		Timeout:   100 * time.Millisecond,
	}
}

// NewRedisProvider constructs a RedisProvider. It does not eagerly dial;
// reachability is determined by Available via PING.
func NewRedisProvider(cfg RedisProviderConfig) *RedisProvider {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "aussiegw:rl:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisProvider{client: client, keyPrefix: cfg.KeyPrefix}
}

func (p *RedisProvider) Priority() int { return 10 }

func (p *RedisProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}

func (p *RedisProvider) CheckAndConsume(ctx context.Context, key RateLimitKey, limit EffectiveRateLimit) (RateLimitDecision, error) {
	rate := float64(limit.RequestsPerWindow) / float64(limit.WindowSeconds)
	now := time.Now()

	res, err := checkAndConsumeScript.Run(ctx, p.client,
		[]string{p.keyPrefix + key.String()},
		rate, limit.BurstCapacity, limit.WindowSeconds, now.UnixNano(),
	).Result()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("ratelimit: redis eval: %w", err)
	}

	row, ok := res.([]interface{})
	if !ok || len(row) != 3 {
		return RateLimitDecision{}, fmt.Errorf("ratelimit: unexpected redis script result %v", res)
	}

	allowed := row[0].(int64) == 1
	var tokens, requestCount float64
	fmt.Sscanf(row[1].(string), "%f", &tokens)
	fmt.Sscanf(row[2].(string), "%f", &requestCount)

	var retryAfter int64
	if !allowed && rate > 0 {
		seconds := (1.0 - tokens) * float64(limit.WindowSeconds) / float64(limit.RequestsPerWindow)
		retryAfter = int64(seconds) + 1
	}

	return RateLimitDecision{
		Allowed:             allowed,
		Limit:               limit.BurstCapacity,
		Remaining:           int(tokens),
		ResetAtEpochSeconds: now.Add(time.Duration(limit.WindowSeconds) * time.Second).Unix(),
		RetryAfterSeconds:   retryAfter,
		RequestCount:        int64(requestCount),
		WindowSeconds:       limit.WindowSeconds,
	}, nil
}

func (p *RedisProvider) Close() error {
	return p.client.Close()
}
