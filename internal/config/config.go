// Package config handles loading and validating the gateway's aussie.yaml
// configuration. With no file present the gateway runs with sensible
// defaults suitable for local development. Adapted from the teacher's
// rat.yaml loader (Load/ResolvePath/DefaultConfig/validate), generalized
// from the teacher's Edition/Plugins shape to the gateway's process-level
// config: listen address, CORS, JWS, trusted proxies, local cache, and rate
// limiting.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level aussie.yaml configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	CORS         CORSConfig         `yaml:"cors"`
	JWS          JWSConfig          `yaml:"jws"`
	Cache        CacheConfig        `yaml:"cache"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	TrustedProxy TrustedProxyConfig `yaml:"trusted_proxy"`
}

// CORSConfig controls the gateway's own CORS response headers.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// JWSConfig controls session token issuance and bearer-token verification.
type JWSConfig struct {
	// Issuer is placed in the "iss" claim of tokens this gateway issues.
	Issuer string `yaml:"issuer"`
	// SigningKey signs tokens this gateway issues (HMAC) when set.
	SigningKey string `yaml:"signing_key"`
	// JWKSURL, when set, is polled for the public keys used to verify
	// bearer tokens presented by callers (RS256).
	JWKSURL string `yaml:"jwks_url"`
	// JWKSRefreshInterval is how often the JWKS cache is refreshed in the
	// background, independent of on-demand refresh on an unknown kid.
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"`
	// SessionTTL is how long issued session tokens remain valid.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// CacheConfig controls the local route/config cache (spec §4.2).
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Jitter     float64       `yaml:"jitter"`
	MaxEntries int           `yaml:"max_entries"`
}

// RateLimitConfig controls the default rate limit applied to routes with no
// endpoint-specific override, and which provider backs enforcement.
type RateLimitConfig struct {
	// Provider selects the enforcement backend: "memory" or "redis".
	Provider          string  `yaml:"provider"`
	RedisAddr         string  `yaml:"redis_addr"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// FallbackAfterFailures is how many consecutive provider errors are
	// tolerated before falling back to the in-memory provider.
	FallbackAfterFailures int `yaml:"fallback_after_failures"`
}

// ProxyConfig controls per-phase timeouts and size limits for the reverse
// proxy (config keys "proxy.*", e.g. proxy.max_body_bytes; there is no
// separate "limits.*" section). DialTimeout/TLSTimeout/
// HeadersTimeout bound the connect/tls/headers phases via the transport;
// BodyTimeout bounds the remaining round trip (awaiting + copying the
// response body) via an explicit context deadline.
type ProxyConfig struct {
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	TLSTimeout          time.Duration `yaml:"tls_timeout"`
	HeadersTimeout      time.Duration `yaml:"headers_timeout"`
	BodyTimeout         time.Duration `yaml:"body_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	MaxHeaderBytes      int           `yaml:"max_header_bytes"`
	MaxTotalHeaderBytes int           `yaml:"max_total_header_bytes"`
}

// WebSocketConfig controls the gateway's WebSocket upgrade/relay pipeline
// (spec.md §4.6). AllowedOrigins is consulted by browser-presented Origin
// headers only; non-browser clients without an Origin header are admitted
// regardless, mirroring a native-client's lack of browser same-origin
// enforcement.
type WebSocketConfig struct {
	AllowedOrigins       []string      `yaml:"allowed_origins"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReadBufferBytes      int           `yaml:"read_buffer_bytes"`
	WriteBufferBytes     int           `yaml:"write_buffer_bytes"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes"`
	PongWait             time.Duration `yaml:"pong_wait"`
	PingPeriod           time.Duration `yaml:"ping_period"`
	WriteWait            time.Duration `yaml:"write_wait"`
	MaxConnectionsPerSvc int           `yaml:"max_connections_per_service"`
}

// TrustedProxyConfig controls which CIDRs are trusted to set forwarding
// headers (X-Forwarded-For) that influence identity extraction.
type TrustedProxyConfig struct {
	CIDRs []string `yaml:"cidrs"`
}

// DefaultConfig returns development defaults: listen on :8080, permissive
// CORS, in-memory rate limiting, no JWKS configured.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		CORS: CORSConfig{
			AllowedOrigins:   []string{"*"},
			AllowCredentials: false,
		},
		JWS: JWSConfig{
			Issuer:              "aussiehq-gateway",
			JWKSRefreshInterval: 5 * time.Minute,
			SessionTTL:          15 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:        30 * time.Second,
			Jitter:     0.10,
			MaxEntries: 1000,
		},
		RateLimit: RateLimitConfig{
			Provider:              "memory",
			RequestsPerSecond:     50,
			Burst:                 100,
			FallbackAfterFailures: 3,
		},
		Proxy: ProxyConfig{
			DialTimeout:         2 * time.Second,
			TLSTimeout:          2 * time.Second,
			HeadersTimeout:      5 * time.Second,
			BodyTimeout:         30 * time.Second,
			IdleTimeout:         90 * time.Second,
			MaxBodyBytes:        10 << 20,
			MaxHeaderBytes:      8 << 10,
			MaxTotalHeaderBytes: 64 << 10,
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:       []string{"*"},
			HandshakeTimeout:     10 * time.Second,
			ReadBufferBytes:      4 << 10,
			WriteBufferBytes:     4 << 10,
			MaxMessageBytes:      1 << 20,
			PongWait:             60 * time.Second,
			PingPeriod:           54 * time.Second,
			WriteWait:            10 * time.Second,
			MaxConnectionsPerSvc: 1000,
		},
	}
}

// Load parses an aussie.yaml file and validates it, filling unset fields
// from DefaultConfig. If path is empty, returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: AUSSIE_CONFIG env var > ./aussie.yaml > "" (no config, defaults apply).
func ResolvePath() string {
	if p := os.Getenv("AUSSIE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("aussie.yaml"); err == nil {
		return "aussie.yaml"
	}
	return ""
}

// validate checks cross-field invariants that yaml.Unmarshal cannot enforce.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.RateLimit.Provider {
	case "memory", "redis":
	default:
		return fmt.Errorf("rate_limit.provider %q: must be \"memory\" or \"redis\"", c.RateLimit.Provider)
	}
	if c.RateLimit.Provider == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("rate_limit.redis_addr is required when provider is \"redis\"")
	}
	if c.CORS.AllowCredentials {
		for _, o := range c.CORS.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("cors.allow_credentials cannot be combined with a wildcard origin")
			}
		}
	}
	return nil
}
