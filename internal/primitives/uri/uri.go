// Package uri validates upstream target URLs before the gateway will proxy
// to them, rejecting addresses that could be used to reach internal or
// link-local infrastructure (SSRF). It intentionally stays close to the
// teacher's small-pure-predicate-function style (see validName/ValidLayer)
// rather than wrapping a general-purpose HTTP client.
package uri

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// allowedSchemes are the only URL schemes a registered upstream may use.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// ValidateUpstream parses raw and rejects it unless it is an absolute
// http(s)/ws(s) URL with a non-empty host that does not resolve to a
// loopback, link-local, unspecified, or multicast address, and is not a
// bare wildcard host ("0.0.0.0", "*"). Hostnames that require DNS
// resolution are accepted at this stage (resolution happens per-dial) —
// this function only rejects addresses that are unsafe on their face.
func ValidateUpstream(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("uri: empty upstream URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("uri: %w", err)
	}

	if !u.IsAbs() {
		return nil, fmt.Errorf("uri: upstream URL must be absolute: %q", raw)
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return nil, fmt.Errorf("uri: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("uri: upstream URL has no host: %q", raw)
	}
	if host == "*" || host == "0.0.0.0" {
		return nil, fmt.Errorf("uri: wildcard host %q is not a valid upstream", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := validateIP(ip); err != nil {
			return nil, err
		}
	}

	return u, nil
}

// validateIP rejects IP classes that should never be reachable as a
// registered upstream from outside the gateway's own network.
func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("uri: loopback address %s is not a valid upstream", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("uri: link-local address %s is not a valid upstream", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("uri: unspecified address %s is not a valid upstream", ip)
	case ip.IsMulticast():
		return fmt.Errorf("uri: multicast address %s is not a valid upstream", ip)
	}
	return nil
}

// IsPrivate reports whether ip falls in an RFC 1918 / RFC 4193 private
// range. Exposed so callers (e.g. registry admin handlers) can warn an
// operator registering a private upstream without outright rejecting it —
// private upstreams are a normal deployment shape for an internal gateway.
func IsPrivate(ip net.IP) bool {
	return ip.IsPrivate()
}
