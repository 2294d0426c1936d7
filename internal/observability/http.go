package observability

import (
	"net"
	"net/http"
	"strings"
)

// DeviceID and RequestID echo the marketplace gateway's tracking headers.
func DeviceID(r *http.Request) string {
	return r.Header.Get("X-Device-Id")
}

func RequestID(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

// ClientIP prefers the first hop of the X-Forwarded-For chain over the socket
// peer address.
func ClientIP(r *http.Request) string {
	if chain := r.Header.Get("X-Forwarded-For"); chain != "" {
		first, _, _ := strings.Cut(chain, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
