package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoUpstreams is returned when no upstream resolver is configured
var ErrNoUpstreams = errors.New("at least one upstream DNS server must be configured")

// Config holds the application configuration
type Config struct {
	// HTTP (DoH) listener
	Server ServerConfig `yaml:"server"`

	// Upstream resolvers, immutable after startup
	Upstreams []UpstreamConfig `yaml:"upstreams"`

	Forwarder ForwarderConfig `yaml:"forwarder"`
	Cache     CacheConfig     `yaml:"cache"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Health    HealthConfig    `yaml:"health"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	DoHPath         string        `yaml:"doh_path"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	H2C             bool          `yaml:"h2c"`             // HTTP/2 cleartext when TLS is off
	TrustedProxies  []string      `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`  // request body limit
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSEnabled reports whether both certificate and key are configured
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// UpstreamConfig describes one upstream resolver
type UpstreamConfig struct {
	Address string  `yaml:"address"`
	Port    int     `yaml:"port"`
	Weight  float64 `yaml:"weight"`
}

// ForwarderConfig holds UDP exchange settings
type ForwarderConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	VerifyReplyID bool          `yaml:"verify_reply_id"` // drop datagrams whose ID differs from the query
	BufferSize    int           `yaml:"buffer_size"`     // receive buffer, bytes
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"` // 0 = unbounded
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ResolverConfig holds pipeline settings
type ResolverConfig struct {
	Coalesce bool `yaml:"coalesce"` // single-flight identical concurrent misses
}

// HealthConfig holds upstream health tracking settings
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ProbeInterval    time.Duration `yaml:"probe_interval"` // 0 disables active probing
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ProbeName        string        `yaml:"probe_name"`
}

// RateLimitConfig holds per-client rate limit settings
type RateLimitConfig struct {
	Enabled           bool                `yaml:"enabled"`
	RequestsPerSecond float64             `yaml:"requests_per_second"`
	Burst             int                 `yaml:"burst"`
	CleanupInterval   time.Duration       `yaml:"cleanup_interval"`
	MaxTrackedClients int                 `yaml:"max_tracked_clients"`
	LogViolations     bool                `yaml:"log_violations"`
	Overrides         []RateLimitOverride `yaml:"overrides"`
}

// RateLimitOverride applies different limits to matching clients
type RateLimitOverride struct {
	Name              string   `yaml:"name"`
	Clients           []string `yaml:"clients"`
	CIDRs             []string `yaml:"cidrs"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Burst             *int     `yaml:"burst"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
	BusyTimeout   int           `yaml:"busy_timeout"` // milliseconds
	WALMode       bool          `yaml:"wal_mode"`
}

// AuthConfig protects the admin API
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIKey       string `yaml:"api_key"`
	Header       string `yaml:"header"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // if output=file
	AddSource  bool   `yaml:"add_source"`  // include source file/line
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"` // number of old log files
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
	TracingOutput     string `yaml:"tracing_output"` // stdout or stderr
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	// Fields absent from the document keep these values
	cfg := Config{Cache: CacheConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.Cache.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8787"
	}
	if c.Server.DoHPath == "" {
		c.Server.DoHPath = "/dns-query"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 65535
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	// Upstream defaults
	if len(c.Upstreams) == 0 {
		c.Upstreams = []UpstreamConfig{
			{Address: "8.8.8.8", Port: 53, Weight: 1},
			{Address: "8.8.4.4", Port: 53, Weight: 1},
			{Address: "1.1.1.1", Port: 53, Weight: 1},
		}
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].Port == 0 {
			c.Upstreams[i].Port = 53
		}
		if c.Upstreams[i].Weight == 0 {
			c.Upstreams[i].Weight = 1
		}
	}

	// Forwarder defaults
	if c.Forwarder.Timeout == 0 {
		c.Forwarder.Timeout = 5 * time.Second
	}
	if c.Forwarder.BufferSize == 0 {
		c.Forwarder.BufferSize = 65535
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = time.Minute
	}

	// Health defaults
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 2 * time.Second
	}
	if c.Health.ProbeName == "" {
		c.Health.ProbeName = "."
	}

	// Rate limit defaults
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./doh-gateway.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5000
	}

	// Auth defaults
	if c.Auth.Header == "" {
		c.Auth.Header = "Authorization"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100 // 100MB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 7 // 7 days
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "doh-gateway"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.TracingOutput == "" {
		c.Telemetry.TracingOutput = "stdout"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.DoHPath == "" || c.Server.DoHPath[0] != '/' {
		return fmt.Errorf("server.doh_path must start with '/': %q", c.Server.DoHPath)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
	}

	if len(c.Upstreams) == 0 {
		return ErrNoUpstreams
	}
	for i, u := range c.Upstreams {
		if u.Address == "" {
			return fmt.Errorf("upstreams[%d]: address cannot be empty", i)
		}
		if u.Port < 1 || u.Port > 65535 {
			return fmt.Errorf("upstreams[%d]: port %d out of range", i, u.Port)
		}
		if u.Weight <= 0 {
			return fmt.Errorf("upstreams[%d]: weight must be positive, got %v", i, u.Weight)
		}
	}

	if c.Forwarder.Timeout <= 0 {
		return fmt.Errorf("forwarder.timeout must be positive")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative, got %d", c.Cache.MaxEntries)
	}

	if c.Auth.Enabled && c.Auth.APIKey == "" && (c.Auth.Username == "" || c.Auth.PasswordHash == "") {
		return fmt.Errorf("auth enabled but neither api_key nor username/password_hash is set")
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	if c.Telemetry.TracingOutput != "stdout" && c.Telemetry.TracingOutput != "stderr" {
		return fmt.Errorf("invalid telemetry.tracing_output: %s (must be stdout or stderr)", c.Telemetry.TracingOutput)
	}

	return nil
}
