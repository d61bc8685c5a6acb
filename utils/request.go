package utils

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// FullURL rebuilds the URL the client asked for, honouring proxy headers.
// Values of the named query parameters are replaced before the URL is returned.
func FullURL(r *http.Request, redact ...string) string {
	// Default to the original scheme
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	// Trust X-Forwarded-Proto if set (e.g., behind Nginx)
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// Use X-Forwarded-Host if available
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
		scheme = "https"
	}

	path := r.URL.EscapedPath()
	query := r.URL.Query()
	if len(query) > 0 {
		for _, key := range redact {
			if _, ok := query[key]; ok {
				query.Set(key, "REDACTED")
			}
		}
		path += "?" + query.Encode()
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func ClientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Origin is the scheme and host of raw, or "" when raw is not an absolute URL.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
