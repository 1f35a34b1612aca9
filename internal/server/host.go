package server

import (
	"net/http"
	"os"
	"strings"
)

// effectiveHost returns the hostname used for county domain resolution.
// Behind a reverse proxy the original host arrives in X-Forwarded-Host,
// which is only honored when TRUST_PROXY=1.
func effectiveHost(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if h := forwardedHost(r); h != "" {
			return normalizeHostname(h)
		}
	}
	return normalizeHostname(r.Host)
}

func forwardedHost(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	if raw == "" {
		return ""
	}
	// Proxies append to the header; the first entry is the client-facing host.
	first, _, ok := strings.Cut(raw, ",")
	if ok {
		raw = first
	}
	return strings.TrimSpace(raw)
}

// normalizeHostname lowercases the host, strips any port, and drops a
// trailing dot so an FQDN matches the registered county domain.
func normalizeHostname(host string) string {
	host = strings.TrimSpace(host)
	host = hostWithoutPort(host)
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(strings.TrimSpace(host))
}

func hostWithoutPort(host string) string {
	// Bracketed IPv6 literal, e.g. "[::1]:8080".
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end >= 0 {
			return host[1:end]
		}
		return host
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		return h
	}
	return host
}
