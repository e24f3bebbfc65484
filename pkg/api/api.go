// Package api serves the DNS-over-HTTPS endpoint, health probes and the admin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/health"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/ratelimit"
	"doh-gateway/pkg/resolver"
	"doh-gateway/pkg/storage"
	"doh-gateway/pkg/telemetry"

	"github.com/yl2chen/cidranger"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Resolver answers raw DNS queries
type Resolver interface {
	Resolve(ctx context.Context, query []byte) (resolver.Result, error)
}

// CacheAdmin exposes cache statistics and purging to the admin API
type CacheAdmin interface {
	Stats() cache.Stats
	Clear() int
}

// HealthReporter exposes upstream health to the probes and admin API
type HealthReporter interface {
	Ready() bool
	Statuses() []health.Status
}

// Server represents the HTTP server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger
	cfg        config.ServerConfig
	auth       config.AuthConfig

	// Dependencies
	resolver    Resolver
	cache       CacheAdmin
	health      HealthReporter
	storage     storage.Storage
	rateLimiter *ratelimit.Manager
	metrics     *telemetry.Metrics

	trustedProxies cidranger.Ranger

	// Metadata
	version   string
	startTime time.Time
}

// Config holds API server dependencies
type Config struct {
	Server      config.ServerConfig
	Auth        config.AuthConfig
	Resolver    Resolver
	Cache       CacheAdmin
	Health      HealthReporter
	Storage     storage.Storage
	RateLimiter *ratelimit.Manager
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger
	Version     string
}

// New creates the HTTP server and its routes
func New(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Resolver == nil {
		return nil, errors.New("api: resolver is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("api: logger is required")
	}

	trusted, err := parseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	store := cfg.Storage
	if store == nil {
		store = storage.NewNoOpStorage()
	}

	s := &Server{
		logger:         cfg.Logger.WithComponent("api"),
		cfg:            cfg.Server,
		auth:           cfg.Auth,
		resolver:       cfg.Resolver,
		cache:          cfg.Cache,
		health:         cfg.Health,
		storage:        store,
		rateLimiter:    cfg.RateLimiter,
		metrics:        cfg.Metrics,
		trustedProxies: trusted,
		version:        cfg.Version,
		startTime:      time.Now(),
	}
	if s.cfg.DoHPath == "" {
		s.cfg.DoHPath = "/dns-query"
	}
	if s.cfg.MaxBodyBytes <= 0 {
		s.cfg.MaxBodyBytes = 65535
	}
	if s.auth.Header == "" {
		s.auth.Header = "Authorization"
	}

	mux := http.NewServeMux()

	// DNS-over-HTTPS; other methods get 405 from the mux
	mux.HandleFunc("POST "+s.cfg.DoHPath, s.handleDNSQuery)

	// Kubernetes probes
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Admin
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/timeseries", s.handleTimeSeries)
	mux.HandleFunc("GET /api/queries", s.handleQueries)
	mux.HandleFunc("GET /api/upstreams", s.handleUpstreams)
	mux.HandleFunc("POST /api/cache/purge", s.handleCachePurge)

	handler := s.authMiddleware(mux)
	handler = s.rateLimitMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)

	if s.cfg.H2C && !s.cfg.TLSEnabled() {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting DoH server",
		"address", ln.Addr().String(),
		"path", s.cfg.DoHPath,
		"tls", s.cfg.TLSEnabled(),
		"h2c", s.cfg.H2C && !s.cfg.TLSEnabled(),
	)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ServeTLS(ln, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down DoH server")
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// parseTrustedProxies loads CIDRs, or bare IPs, into a lookup trie
func parseTrustedProxies(entries []string) (cidranger.Ranger, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	ranger := cidranger.NewPCTrieRanger()
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
	}
	return ranger, nil
}

// parseDuration parses a duration string with default value
func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if s == "" {
		return defaultDuration
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultDuration
	}

	return d
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
