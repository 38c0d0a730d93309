// Package wsproxy implements the gateway's WebSocket upgrade and relay
// pipeline (spec.md §4.6): upgrade detection, a pre-upgrade connection-rate
// admission check, the same auth pipeline HTTP traffic uses, and a
// bidirectional frame relay to the matched backend with per-message rate
// limiting and session-invalidation-triggered close. Grounded on
// sylvester-francis-Watchdog/internal/adapters/http/handlers/ws_handler.go
// (origin-checking Upgrader, per-connection admission check before
// Upgrade) generalized from agent-authenticates-over-WS to
// gateway-fronts-backend-WS: this package performs the client-side Upgrade
// itself, then dials the backend with a second gorilla/websocket.Dialer and
// relays frames in both directions using two goroutines and a
// sync.WaitGroup.
package wsproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aussiehq/gateway/internal/auth"
	"github.com/aussiehq/gateway/internal/config"
	"github.com/aussiehq/gateway/internal/problem"
	"github.com/aussiehq/gateway/internal/ratelimit"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
)

// Close codes spec.md §4.6 names explicitly, outside the standard
// RFC 6455 range reserved for application use.
const (
	CloseRateLimitExceeded  = 4429 // per-message throttle exceeded
	CloseSessionInvalidated = 4401 // bound session was externally invalidated
)

// hopByHopHeaders mirrors internal/proxy's list; the Sec-Websocket-*
// handshake headers are additionally dropped here since the Dialer sets its own.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Sec-Websocket-Key",
	"Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol",
}

// Proxy upgrades inbound client connections and relays them to a matched
// backend's WebSocket endpoint.
type Proxy struct {
	cfg config.WebSocketConfig

	resolver *ratelimit.Resolver
	limiter  *ratelimit.Loader
	auth     *auth.Pipeline

	sessions store.SessionStore
	events   store.SecurityEventSink
	metrics  store.MetricsSink

	trustedProxies []*net.IPNet
	conns          *connLimiter
}

// New builds a Proxy. sessions may be nil, in which case bound connections
// are never closed on session invalidation (no SessionStore to watch).
func New(cfg config.WebSocketConfig, resolver *ratelimit.Resolver, limiter *ratelimit.Loader, authPipeline *auth.Pipeline, sessions store.SessionStore, events store.SecurityEventSink, metrics store.MetricsSink, trustedProxies []*net.IPNet) *Proxy {
	return &Proxy{
		cfg:            cfg,
		resolver:       resolver,
		limiter:        limiter,
		auth:           authPipeline,
		sessions:       sessions,
		events:         events,
		metrics:        metrics,
		trustedProxies: trustedProxies,
		conns:          newConnLimiter(cfg.MaxConnectionsPerSvc),
	}
}

// IsUpgradeRequest reports whether r asks to upgrade to a WebSocket
// connection (spec.md §4.6: "Upgrade: websocket" and Connection contains
// "upgrade", both case-insensitive).
func IsUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// Handle runs the full WS pipeline for an already-route-matched upgrade
// request: connection-rate admission, the shared auth pipeline, the
// Upgrade/Dial pair, and the bidirectional relay. Callers are responsible
// for the pre-upgrade steps of spec.md §4.6 that precede this (CORS,
// reserved-segment and route-match dispatch).
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, route registry.RouteLookupResult) {
	serviceID := route.Service().ServiceID
	clientID := p.clientIdentity(r)

	connLimit := p.resolver.ResolveWSConnectionLimit(route)
	connKey := ratelimit.RateLimitKey{ClientIdentity: clientID, Scope: ratelimit.WSConnScope(serviceID)}
	decision, _ := p.limiter.CheckAndConsume(r.Context(), connKey, connLimit)
	if !decision.Allowed {
		decision.WriteHeaders(w)
		problem.Write(w, withRateLimitExtensions(problem.Of(problem.KindTooManyRequests, "websocket connection rate limit exceeded"), decision))
		p.notify(r.Context(), "RateLimitExceeded", clientID, serviceID, "ws connection admission denied")
		return
	}

	if !p.conns.Acquire(serviceID) {
		problem.WriteKind(w, problem.KindTooManyRequests, "websocket connection capacity for this service is exhausted")
		return
	}
	defer p.conns.Release(serviceID)

	authResult := p.auth.Authorize(r.Context(), r, route)
	if !authResult.Allowed() {
		kind := problem.KindUnauthorized
		eventKind := "auth_failed"
		switch {
		case authResult.IsForbidden():
			kind = problem.KindForbidden
			eventKind = "forbidden"
		case authResult.IsBadRequest():
			kind = problem.KindValidationError
			eventKind = "bad_request"
		}
		problem.WriteKind(w, kind, authResult.Reason())
		p.notify(r.Context(), eventKind, clientID, serviceID, authResult.Reason())
		return
	}

	sessionID := authResult.Token().SessionID
	upgrader := websocket.Upgrader{
		ReadBufferSize:   p.cfg.ReadBufferBytes,
		WriteBufferSize:  p.cfg.WriteBufferBytes,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		CheckOrigin:      p.checkOrigin,
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		return
	}
	defer clientConn.Close()

	backendConn, err := p.dialBackend(r, route, authResult)
	if err != nil {
		clientConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unavailable"),
			time.Now().Add(p.cfg.WriteWait))
		return
	}
	defer backendConn.Close()

	p.armKeepalive(clientConn)
	p.armKeepalive(backendConn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if p.sessions != nil && sessionID != "" {
		go p.watchInvalidation(ctx, sessionID, clientConn, backendConn)
	}

	msgLimit := p.resolver.ResolveWSMessageLimit(route)
	msgScope := ratelimit.WSMsgScope(serviceID, coalesce(sessionID, clientID))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		p.relay(ctx, clientConn, backendConn, func() bool {
			d, _ := p.limiter.CheckAndConsume(ctx, ratelimit.RateLimitKey{ClientIdentity: clientID, Scope: msgScope}, msgLimit)
			return d.Allowed
		})
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		p.relay(ctx, backendConn, clientConn, nil)
	}()
	wg.Wait()
}

// armKeepalive bounds a connection's max message size and keeps its read
// deadline alive via pong handling, grounded on the read-deadline-guarded
// pattern in sylvester-francis-Watchdog's ws_handler.go.
func (p *Proxy) armKeepalive(conn *websocket.Conn) {
	conn.SetReadLimit(p.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(p.cfg.PongWait))
		return nil
	})
	if p.cfg.PingPeriod <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.cfg.PingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteWait)); err != nil {
				return
			}
		}
	}()
}

// relay copies frames from src to dst until either side closes or ctx is
// canceled. When throttle is non-nil, each inbound message is checked
// against it first; a denied message closes src with CloseRateLimitExceeded
// and stops the relay (spec.md §4.6).
func (p *Proxy) relay(ctx context.Context, src, dst *websocket.Conn, throttle func() bool) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if throttle != nil && !throttle() {
			src.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseRateLimitExceeded, "message rate exceeded"),
				time.Now().Add(p.cfg.WriteWait))
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// watchInvalidation closes both legs with CloseSessionInvalidated if
// sessionID is reported invalidated while the connection is open (spec.md
// §4.6: "any WebSocket bound to that session is closed with code 4401").
func (p *Proxy) watchInvalidation(ctx context.Context, sessionID string, clientConn, backendConn *websocket.Conn) {
	ch := p.sessions.WatchInvalidations(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case invalidated, ok := <-ch:
			if !ok {
				return
			}
			if invalidated != sessionID {
				continue
			}
			msg := websocket.FormatCloseMessage(CloseSessionInvalidated, "session invalidated")
			deadline := time.Now().Add(p.cfg.WriteWait)
			clientConn.WriteControl(websocket.CloseMessage, msg, deadline)
			backendConn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// dialBackend opens the backend leg of the relay, forwarding the gateway's
// issued token in place of the caller's original credential exactly as
// internal/proxy.Forward does for HTTP.
func (p *Proxy) dialBackend(r *http.Request, route registry.RouteLookupResult, authResult auth.RouteAuthResult) (*websocket.Conn, error) {
	target, err := backendWSURL(route.Service().BaseURL, route.TargetPath(), r.URL.RawQuery)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	for name, values := range r.Header {
		if isHopByHop(name) || strings.EqualFold(name, "Host") {
			continue
		}
		if authResult.IsAuthenticated() && strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if authResult.IsAuthenticated() {
		header.Set("Authorization", "Bearer "+authResult.Token().Token)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   p.cfg.ReadBufferBytes,
		WriteBufferSize:  p.cfg.WriteBufferBytes,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(r.Context(), target, header)
	if err != nil {
		return nil, fmt.Errorf("wsproxy: dial backend: %w", err)
	}
	return conn, nil
}

// backendWSURL rewrites baseURL's scheme to ws/wss and appends targetPath
// and rawQuery.
func backendWSURL(baseURL, targetPath, rawQuery string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("wsproxy: invalid backend url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(targetPath, "/")
	u.RawQuery = rawQuery
	return u.String(), nil
}

// checkOrigin applies cfg.AllowedOrigins to browser-presented Origin
// headers only; requests without an Origin header (native, non-browser
// clients) are admitted regardless, matching spec.md §4.6's intent that
// same-origin enforcement is a browser concept the gateway relays rather
// than invents for non-browser callers.
func (p *Proxy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(p.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range p.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (p *Proxy) clientIdentity(r *http.Request) string {
	extracted, _ := auth.ExtractIdentity(r, p.trustedProxies)
	return extracted.Value
}

func (p *Proxy) notify(ctx context.Context, kind, clientID, serviceID, reason string) {
	if p.events == nil {
		return
	}
	p.events.Dispatch(ctx, store.SecurityEvent{Kind: kind, ClientID: clientID, ServiceID: serviceID, Reason: reason})
}

func withRateLimitExtensions(p problem.Problem, d ratelimit.RateLimitDecision) problem.Problem {
	p.Extensions = map[string]any{
		"limit":      d.Limit,
		"remaining":  0,
		"resetAt":    d.ResetAtEpochSeconds,
		"retryAfter": d.RetryAfterSeconds,
	}
	return p
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
