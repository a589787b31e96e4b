package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the client identity used for rate-limit keys and audit
// rows: first hop of X-Forwarded-For, then X-Real-IP, then X-Client-IP,
// then the socket address. Handles IPv4 and IPv6 literals.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		first := strings.TrimSpace(strings.SplitN(xForwardedFor, ",", 2)[0])
		if first != "" {
			return stripPort(first)
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return stripPort(realIP)
	}

	if clientIP := strings.TrimSpace(r.Header.Get("X-Client-IP")); clientIP != "" {
		return stripPort(clientIP)
	}

	if r.RemoteAddr != "" {
		return stripPort(r.RemoteAddr)
	}

	return "unknown"
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
