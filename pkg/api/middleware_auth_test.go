package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthMiddleware_Disabled(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/queries", nil).Code)
}

func TestAuthMiddleware_APIKey(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/stats", nil).Code)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer secret", http.StatusOK},
		{"bare key", "Authorization", "secret", http.StatusOK},
		{"wrong key", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"malformed", "Authorization", "Bearer secret extra", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
			req.Header.Set(tt.header, tt.value)
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAuthMiddleware_CustomHeader(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
		c.Auth.Header = "X-API-Key"
	})

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// falls back to Authorization
	req = httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthMiddleware_Basic(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pass"), bcrypt.MinCost)
	require.NoError(t, err)

	s, _ := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.Username = "admin"
		c.Auth.PasswordHash = string(hash)
	})

	rr := do(s, http.MethodGet, "/api/queries", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.SetBasicAuth("admin", "pass")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.SetBasicAuth("admin", "wrong")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.SetBasicAuth("root", "pass")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthMiddleware_PublicPaths(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})

	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/dns-query", []byte{0x01}).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/readyz", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodOptions, "/api/stats", nil).Code)
}

func TestExtractAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, extractAPIKey(req, "Authorization"))

	req.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", extractAPIKey(req, "Authorization"))
}
