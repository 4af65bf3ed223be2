package handlers

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const contextClientIPKey contextKey = "client_ip"

// ClientAddress resolves the caller address once per request. X-Forwarded-For
// is only read when the socket peer is one of trusted; the hops are then walked
// right to left and the first address outside trusted is the client. Requests
// from any other peer are keyed by the peer address, whatever headers they
// carry.
func ClientAddress(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trusted)
			ctx := context.WithValue(r.Context(), contextClientIPKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := peerAddr(r.RemoteAddr)
	if !peer.IsValid() {
		return remoteHost(r.RemoteAddr)
	}
	if !isTrusted(peer, trusted) {
		return peer.String()
	}

	hops := r.Header.Values("X-Forwarded-For")
	var addrs []string
	for _, value := range hops {
		addrs = append(addrs, strings.Split(value, ",")...)
	}
	for i := len(addrs) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(addrs[i]))
		if err != nil {
			// A malformed hop was written by someone we do not trust.
			break
		}
		hop = hop.Unmap()
		if !isTrusted(hop, trusted) {
			return hop.String()
		}
		peer = hop
	}
	return peer.String()
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remoteAddr string) netip.Addr {
	addr, err := netip.ParseAddr(remoteHost(remoteAddr))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func remoteHost(remoteAddr string) string {
	addr := strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

// clientIP returns the address ClientAddress resolved, or the socket peer
// when the middleware did not run.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(contextClientIPKey).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}
