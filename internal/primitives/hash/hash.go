// Package hash provides the stdlib hashing and constant-time comparison
// helpers used throughout the gateway for API keys, session tokens, and
// cache/shard keys. Adapted from the teacher's webhook_token.go, which
// established SHA-256 + subtle.ConstantTimeCompare as the house style for
// secret hashing.
package hash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SHA256Hex returns the hex-encoded SHA-256 digest of secret. Secrets (API
// keys, webhook tokens) are stored as hashes so that a store compromise
// does not leak the raw value.
func SHA256Hex(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// EqualHex performs a constant-time comparison of two hex-encoded digests,
// preventing timing side-channels when comparing a presented secret's hash
// against a stored one.
func EqualHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// EqualSecret hashes presented and compares it against storedHash in
// constant time. This is the entry point callers should use when checking
// a presented API key or webhook token against a stored hash — it avoids
// ever comparing raw secrets directly.
func EqualSecret(presented, storedHash string) bool {
	return EqualHex(SHA256Hex(presented), storedHash)
}

// ShardKey returns a short hex prefix of SHA256Hex(key), used to bucket
// keys across a fixed number of shards (e.g. per-shard rate limiter maps).
// n must be between 1 and 64 (sha256 hex length); values outside that range
// are clamped.
func ShardKey(key string, n int) string {
	if n < 1 {
		n = 1
	}
	if n > 64 {
		n = 64
	}
	return SHA256Hex(key)[:n]
}
