package wsproxy

import (
	"sync"
	"sync/atomic"
)

// connLimiter bounds the number of concurrently open WebSocket connections
// per backend service (spec.md §5's bulkhead requirement, applied to the WS
// pipeline's MaxConnectionsPerSvc config). Adapted from the teacher's
// internal/gatewayapi/sse_limiter.go SSELimiter, which tracked per-IP and
// global concurrent SSE connections with the same atomic-counter-plus-map
// shape; here the dimension is per-service instead of per-IP, and there is
// no global cap since each service already has its own bound.
type connLimiter struct {
	mu       sync.Mutex
	perSvc   map[string]*atomic.Int64
	maxConns int64
}

// newConnLimiter constructs a connLimiter. maxConns <= 0 disables the cap
// (every Acquire succeeds).
func newConnLimiter(maxConns int) *connLimiter {
	return &connLimiter{
		perSvc:   make(map[string]*atomic.Int64),
		maxConns: int64(maxConns),
	}
}

// Acquire attempts to register a new connection for serviceID. On success
// the caller must call Release exactly once when the connection closes.
func (l *connLimiter) Acquire(serviceID string) bool {
	if l.maxConns <= 0 {
		return true
	}

	l.mu.Lock()
	counter, ok := l.perSvc[serviceID]
	if !ok {
		counter = &atomic.Int64{}
		l.perSvc[serviceID] = counter
	}
	l.mu.Unlock()

	n := counter.Add(1)
	if n > l.maxConns {
		counter.Add(-1)
		return false
	}
	return true
}

// Release decrements the connection count for serviceID.
func (l *connLimiter) Release(serviceID string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	counter, ok := l.perSvc[serviceID]
	l.mu.Unlock()
	if ok {
		counter.Add(-1)
	}
}

// Count returns the current open-connection count for serviceID.
func (l *connLimiter) Count(serviceID string) int64 {
	l.mu.Lock()
	counter, ok := l.perSvc[serviceID]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}
