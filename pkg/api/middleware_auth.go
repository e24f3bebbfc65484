package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const adminPrefix = "/api/"

// authMiddleware protects the admin API. The DoH endpoint and probes stay open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if !s.auth.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAuthRequired(r) || s.authorizeRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.auth.Username != "" && s.auth.PasswordHash != "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="doh-gateway", charset="UTF-8"`)
		}
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}

func (s *Server) isAuthRequired(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return false
	}
	if r.URL.Path == "/api/health" {
		return false
	}
	return strings.HasPrefix(r.URL.Path, adminPrefix)
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.auth.APIKey != "" {
		if token := extractAPIKey(r, s.auth.Header); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.auth.APIKey)) == 1 {
				return true
			}
		}
	}

	if s.auth.Username != "" && s.auth.PasswordHash != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			if subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 {
				return false
			}
			return bcrypt.CompareHashAndPassword([]byte(s.auth.PasswordHash), []byte(pass)) == nil
		}
	}

	return false
}

// extractAPIKey accepts "Bearer <key>" or a bare key in header, falling back to Authorization
func extractAPIKey(r *http.Request, header string) string {
	value := strings.TrimSpace(r.Header.Get(header))
	if value == "" && !strings.EqualFold(header, "Authorization") {
		value = strings.TrimSpace(r.Header.Get("Authorization"))
	}
	if value == "" {
		return ""
	}

	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return ""
}
