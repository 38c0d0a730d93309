package registry

import (
	"net"
	"strings"
)

// Allows reports whether a caller at clientIP, presenting host as the
// request's Host header, may reach a service carrying this AccessConfig
// (spec.md §3's accessConfig, enforced in the ingress path's pre-proxy
// check). A nil AccessConfig, or one with every field empty, allows every
// caller. Each populated restriction category is independently required:
// an IP allowlist and a domain allowlist both present must both be
// satisfied, mirroring the teacher's layered validName/ValidLayer
// path-param checks in internal/api/router.go.
func (a *AccessConfig) Allows(clientIP, host string) bool {
	if a == nil {
		return true
	}
	if len(a.AllowedIPs) > 0 && !ipAllowed(a.AllowedIPs, clientIP) {
		return false
	}
	if (len(a.AllowedDomains) > 0 || len(a.AllowedSubdomains) > 0) && !domainAllowed(a.AllowedDomains, a.AllowedSubdomains, host) {
		return false
	}
	return true
}

// ipAllowed reports whether clientIP matches one of allowed, each entry
// either a bare IP or a CIDR range.
func ipAllowed(allowed []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if candidate := net.ParseIP(entry); candidate != nil && candidate.Equal(ip) {
			return true
		}
	}
	return false
}

// domainAllowed reports whether host exactly matches one of domains, or is
// host, or a subdomain of, one of subdomains.
func domainAllowed(domains, subdomains []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(hostWithoutPort(host), "."))
	for _, d := range domains {
		if strings.EqualFold(host, d) {
			return true
		}
	}
	for _, d := range subdomains {
		d = strings.ToLower(strings.TrimSuffix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
