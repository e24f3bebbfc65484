package api

import (
	"net"
	"net/http"
	"strings"
)

// rateLimitMiddleware enforces per-client limits on every request except probes
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := s.clientIPFromRequest(r)
		allowed, limited, label := s.rateLimiter.Allow(clientIP)
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		if limited {
			s.metrics.AddRateLimitViolation(r.Context())
			if s.rateLimiter.LogViolations() {
				s.logger.Warn("HTTP request rate limited",
					"client_ip", clientIP,
					"path", r.URL.Path,
					"label", label,
				)
			}
		}

		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
	})
}

// clientIPFromRequest returns the peer address. When the peer is a trusted
// proxy, X-Forwarded-For is walked from the right and the first hop outside
// the trusted set is the client; entries to its left are client supplied.
func (s *Server) clientIPFromRequest(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}

	if s.trustedProxies == nil || !s.isTrustedProxy(net.ParseIP(remoteAddr)) {
		return remoteAddr
	}

	if hops := forwardedHops(r); len(hops) > 0 {
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(hops[i])
			if ip == nil {
				// a malformed hop means the chain cannot be trusted past it
				return remoteAddr
			}
			if !s.isTrustedProxy(ip) {
				return ip.String()
			}
		}
		// every hop is a proxy; the leftmost is the furthest one we know
		return hops[0]
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	return remoteAddr
}

func (s *Server) isTrustedProxy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	trusted, err := s.trustedProxies.Contains(ip)
	return err == nil && trusted
}

// forwardedHops flattens every X-Forwarded-For header into hops, oldest first
func forwardedHops(r *http.Request) []string {
	var hops []string
	for _, value := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(value, ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}
