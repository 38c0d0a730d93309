// Package proxy implements the gateway's HTTP reverse proxy (spec.md
// §4.5): composing an outbound request to a matched route's backend with
// hop-by-hop header hygiene, forwarded-header composition, streamed
// body/header size enforcement, and per-phase timeouts. Implemented with
// net/http.Transport plus manual request/response copying rather than
// httputil.ReverseProxy, since spec.md requires explicit hop-by-hop
// filtering lists and size limits ReverseProxy doesn't enforce — grounded
// on the general reverse-proxy shape in other_examples/
// a9da4b1a_strongdm-cxdb__gateway-pkg-proxy-server.go (a Server wiring a
// *ReverseProxy type behind the same middleware-chain pattern the
// teacher's chi.Router uses) and other_examples/
// 7ba7e0a8_artpar-apigate__app-proxy.go (explicit per-header hop-by-hop
// filtering before forwarding).
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aussiehq/gateway/internal/config"
	"github.com/aussiehq/gateway/internal/primitives/deadline"
	"github.com/aussiehq/gateway/internal/problem"
	"github.com/aussiehq/gateway/internal/registry"
	"github.com/aussiehq/gateway/internal/store"
)

// hopByHopHeaders are dropped on both legs of the proxy per spec.md §4.5.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Proxy forwards HTTP requests for a matched route to its backend.
type Proxy struct {
	client         *http.Client
	cfg            config.ProxyConfig
	trustedProxies []*net.IPNet
	metrics        store.MetricsSink
}

// New builds a Proxy. metrics may be nil to disable metrics recording.
func New(cfg config.ProxyConfig, trustedProxies []*net.IPNet, metrics store.MetricsSink) *Proxy {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.DialTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSTimeout,
		ResponseHeaderTimeout: cfg.HeadersTimeout,
		IdleConnTimeout:       cfg.IdleTimeout,
	}
	return &Proxy{
		client:         &http.Client{Transport: transport},
		cfg:            cfg,
		trustedProxies: trustedProxies,
		metrics:        metrics,
	}
}

// Forward proxies r to route's backend and writes the backend's response
// (or a Problem Details error) to w. forwardToken, when non-empty,
// replaces the inbound Authorization header with "Bearer {forwardToken}"
// (the gateway-issued JWS). apiKeyID/apiKeyName, when non-empty, are
// emitted as X-Aussie-Key-Id/X-Aussie-Key-Name so the backend can attribute
// the call to the specific key without parsing the forwarding token
// (spec.md §6's outbound header contract for API-key-authenticated calls).
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, route registry.RouteLookupResult, forwardToken, apiKeyID, apiKeyName string) {
	service := route.Service()

	if reason, ok := p.validateHeaderSizes(r); !ok {
		problem.WriteKind(w, problem.KindHeaderTooLarge, reason)
		return
	}

	target, err := p.buildTargetURL(service.BaseURL, route.TargetPath(), r.URL.RawQuery)
	if err != nil {
		problem.WriteKind(w, problem.KindInternalError, "invalid backend url")
		return
	}

	body, bodyErr := p.limitedBody(r)
	if bodyErr != nil {
		problem.WriteKind(w, problem.KindPayloadTooLarge, bodyErr.Error())
		return
	}
	defer body.Close()

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		problem.WriteKind(w, problem.KindInternalError, "failed to build outbound request")
		return
	}

	p.copyRequestHeaders(outReq, r, forwardToken)
	p.setForwardedHeaders(outReq, r)
	if apiKeyID != "" {
		outReq.Header.Set("X-Aussie-Key-Id", apiKeyID)
		if apiKeyName != "" {
			outReq.Header.Set("X-Aussie-Key-Name", apiKeyName)
		}
	}
	outReq.Host = outReq.URL.Host

	start := time.Now()
	resp, err := deadline.WithTimeout(r.Context(), p.cfg.BodyTimeout, func(ctx context.Context) (*http.Response, error) {
		outReq = outReq.WithContext(ctx)
		return p.client.Do(outReq)
	})
	duration := time.Since(start).Seconds()

	if p.metrics != nil {
		p.metrics.ObserveHistogram("gateway_proxy_duration_seconds", duration, map[string]string{"service": service.ServiceID})
	}

	if err != nil {
		status := "502"
		switch {
		case errors.Is(err, errBodyTooLarge):
			status = "413"
			problem.WriteKind(w, problem.KindPayloadTooLarge, errBodyTooLarge.Error())
		case errors.Is(err, context.DeadlineExceeded):
			status = "504"
			problem.WriteKind(w, problem.KindGatewayTimeout, "backend did not respond in time")
		default:
			problem.WriteKind(w, problem.KindBadGateway, "backend request failed: "+err.Error())
		}
		if p.metrics != nil {
			p.metrics.IncCounter("gateway_requests_total", map[string]string{"service": service.ServiceID, "method": r.Method, "status": status})
		}
		return
	}
	defer resp.Body.Close()

	p.copyResponse(w, resp)

	if p.metrics != nil {
		p.metrics.IncCounter("gateway_requests_total", map[string]string{
			"service": service.ServiceID, "method": r.Method, "status": strconv.Itoa(resp.StatusCode),
		})
	}
}

// buildTargetURL composes baseURL + targetPath[?query].
func (p *Proxy) buildTargetURL(baseURL, targetPath, rawQuery string) (string, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	targetPath = "/" + strings.TrimLeft(targetPath, "/")
	u := baseURL + targetPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u, nil
}

// limitedBody wraps r.Body so reading more than cfg.MaxBodyBytes returns an
// error before the excess is forwarded (spec.md §4.5's 413 behavior).
func (p *Proxy) limitedBody(r *http.Request) (io.ReadCloser, error) {
	if r.Body == nil {
		return http.NoBody, nil
	}
	if p.cfg.MaxBodyBytes > 0 && r.ContentLength > p.cfg.MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return &limitedReadCloser{r: io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1), c: r.Body, limit: p.cfg.MaxBodyBytes}, nil
}

var errBodyTooLarge = errors.New("request body exceeds the configured maximum size")

type limitedReadCloser struct {
	r     io.Reader
	c     io.Closer
	limit int64
	read  int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, errBodyTooLarge
	}
	return n, err
}

func (l *limitedReadCloser) Close() error { return l.c.Close() }

// validateHeaderSizes enforces per-header (431) and aggregate header size
// limits (spec.md §4.5).
func (p *Proxy) validateHeaderSizes(r *http.Request) (string, bool) {
	total := 0
	for name, values := range r.Header {
		for _, v := range values {
			size := len(name) + len(v)
			if p.cfg.MaxHeaderBytes > 0 && size > p.cfg.MaxHeaderBytes {
				return "header " + name + " exceeds the configured maximum size", false
			}
			total += size
		}
	}
	if p.cfg.MaxTotalHeaderBytes > 0 && total > p.cfg.MaxTotalHeaderBytes {
		return "aggregate header size exceeds the configured maximum", false
	}
	return "", true
}

// copyRequestHeaders copies in's headers to out, dropping hop-by-hop
// headers plus host and content-length (re-set by the transport/client),
// and authorization when forwardToken replaces it (spec.md §4.5).
func (p *Proxy) copyRequestHeaders(out *http.Request, in *http.Request, forwardToken string) {
	for name, values := range in.Header {
		if isHopByHop(name) || strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		if forwardToken != "" && strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
	if forwardToken != "" {
		out.Header.Set("Authorization", "Bearer "+forwardToken)
	}
}

// setForwardedHeaders emits Forwarded/X-Forwarded-* per spec.md §4.5,
// overwriting any inbound values unless the peer is a trusted proxy.
func (p *Proxy) setForwardedHeaders(out *http.Request, in *http.Request) {
	clientIP, trusted := p.peerIdentity(in)
	scheme := "http"
	if in.TLS != nil {
		scheme = "https"
	}

	forwarded := "for=" + clientIP + ";proto=" + scheme + ";host=" + in.Host
	proto, host := scheme, in.Host
	if trusted {
		if existing := in.Header.Get("Forwarded"); existing != "" {
			forwarded = existing + ", " + forwarded
		}
		if existing := in.Header.Get("X-Forwarded-Proto"); existing != "" {
			proto = existing
		}
		if existing := in.Header.Get("X-Forwarded-Host"); existing != "" {
			host = existing
		}
	}
	out.Header.Set("Forwarded", forwarded)
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", host)

	existingXFF := in.Header.Get("X-Forwarded-For")
	if trusted && existingXFF != "" {
		out.Header.Set("X-Forwarded-For", existingXFF+", "+clientIP)
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
}

func (p *Proxy) peerIdentity(r *http.Request) (ip string, trusted bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	parsed := net.ParseIP(host)
	if parsed == nil {
		return host, false
	}
	for _, cidr := range p.trustedProxies {
		if cidr.Contains(parsed) {
			return host, true
		}
	}
	return host, false
}

// copyResponse writes resp's status, non-hop-by-hop headers, and body
// verbatim to w (spec.md §4.5).
func (p *Proxy) copyResponse(w http.ResponseWriter, resp *http.Response) {
	dst := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
