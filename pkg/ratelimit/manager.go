// Package ratelimit throttles DoH clients with per-IP token buckets.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	"github.com/yl2chen/cidranger"
	"golang.org/x/time/rate"
)

const globalLabel = "global"

// Manager enforces per-client rate limits using token buckets.
type Manager struct {
	cfg        *config.RateLimitConfig
	logger     *logging.Logger
	overrides  []override
	ipOverride map[string]int
	cidrs      cidranger.Ranger

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	label    string
}

type override struct {
	name  string
	limit rate.Limit
	burst int
}

// overrideEntry maps a CIDR to the index of the override that declared it
type overrideEntry struct {
	network net.IPNet
	index   int
}

func (e overrideEntry) Network() net.IPNet {
	return e.network
}

// NewManager returns nil when rate limiting is disabled; a nil Manager allows everything.
func NewManager(cfg *config.RateLimitConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger.WithComponent("ratelimit"),
		clients:    make(map[string]*clientLimiter, 128),
		stopCh:     make(chan struct{}),
		now:        time.Now,
		ipOverride: make(map[string]int),
		cidrs:      cidranger.NewPCTrieRanger(),
	}

	m.parseOverrides()

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}

	m.logger.Info("Rate limiting enabled",
		"requests_per_second", cfg.RequestsPerSecond,
		"burst", cfg.Burst,
		"overrides", len(m.overrides))

	return m
}

// Allow consumes a token for clientIP. label names the override that applied,
// or "global".
func (m *Manager) Allow(clientIP string) (allowed bool, limited bool, label string) {
	if m == nil || clientIP == "" {
		return true, false, globalLabel
	}

	entry := m.getLimiter(clientIP)
	allowed = entry.limiter.Allow()
	m.touch(entry)

	return allowed, !allowed, entry.label
}

// LogViolations reports whether violations should be logged.
func (m *Manager) LogViolations() bool {
	if m == nil || m.cfg == nil {
		return false
	}
	return m.cfg.LogViolations
}

// TrackedClients returns the number of clients with a live bucket
func (m *Manager) TrackedClients() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates background cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > m.cfg.CleanupInterval {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) getLimiter(clientIP string) *clientLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.clients[clientIP]; ok {
		return entry
	}

	if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
		m.evictOldestLocked()
	}

	limit, burst, label := rate.Limit(m.cfg.RequestsPerSecond), m.cfg.Burst, globalLabel
	if ov := m.overrideForIP(clientIP); ov != nil {
		limit, burst, label = ov.limit, ov.burst, ov.name
	}

	entry := &clientLimiter{
		limiter:  rate.NewLimiter(limit, burst),
		lastSeen: m.now(),
		label:    label,
	}
	m.clients[clientIP] = entry
	return entry
}

func (m *Manager) touch(entry *clientLimiter) {
	m.mu.Lock()
	entry.lastSeen = m.now()
	m.mu.Unlock()
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}

// overrideForIP prefers an exact client match, then the earliest declared
// override whose CIDR contains the address.
func (m *Manager) overrideForIP(clientIP string) *override {
	if idx, ok := m.ipOverride[clientIP]; ok {
		return &m.overrides[idx]
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return nil
	}

	entries, err := m.cidrs.ContainingNetworks(ip)
	if err != nil || len(entries) == 0 {
		return nil
	}

	best := -1
	for _, e := range entries {
		if oe, ok := e.(overrideEntry); ok && (best < 0 || oe.index < best) {
			best = oe.index
		}
	}
	if best < 0 {
		return nil
	}
	return &m.overrides[best]
}

func (m *Manager) parseOverrides() {
	for idx, ov := range m.cfg.Overrides {
		settings := override{
			name:  ov.Name,
			limit: rate.Limit(m.cfg.RequestsPerSecond),
			burst: m.cfg.Burst,
		}
		if settings.name == "" {
			settings.name = "override"
		}
		if ov.RequestsPerSecond != nil {
			settings.limit = rate.Limit(*ov.RequestsPerSecond)
		}
		if ov.Burst != nil {
			settings.burst = *ov.Burst
		}

		var networks []net.IPNet
		for _, cidr := range ov.CIDRs {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				m.logger.Warn("Invalid rate limit override CIDR",
					"override", ov.Name,
					"value", cidr,
					"index", idx,
					"error", err)
				continue
			}
			networks = append(networks, *network)
		}

		if len(ov.Clients) == 0 && len(networks) == 0 {
			continue
		}

		index := len(m.overrides)
		m.overrides = append(m.overrides, settings)

		for _, ip := range ov.Clients {
			if _, taken := m.ipOverride[ip]; !taken {
				m.ipOverride[ip] = index
			}
		}
		for _, network := range networks {
			if err := m.cidrs.Insert(overrideEntry{network: network, index: index}); err != nil {
				m.logger.Warn("Failed to index rate limit override CIDR",
					"override", ov.Name,
					"value", network.String(),
					"error", err)
			}
		}
	}
}
