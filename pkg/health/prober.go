package health

import (
	"context"
	"errors"
	"time"

	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/upstream"

	"github.com/miekg/dns"
)

// Exchanger sends a DNS message to addr and returns the reply
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Prober periodically queries every upstream and records the result
type Prober struct {
	client   Exchanger
	tracker  *Tracker
	logger   *logging.Logger
	servers  []upstream.Server
	name     string
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a prober sending NS queries for name (default the root)
func NewProber(tracker *Tracker, servers []upstream.Server, name string, interval, timeout time.Duration, logger *logging.Logger) *Prober {
	if name == "" {
		name = "."
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		tracker:  tracker,
		logger:   logger.WithComponent("health"),
		servers:  servers,
		name:     dns.Fqdn(name),
		interval: interval,
		timeout:  timeout,
	}
}

// Run probes immediately and then every interval until ctx is done.
// A non-positive interval disables probing.
func (p *Prober) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	p.logger.Info("Starting upstream health prober", "interval", p.interval, "name", p.name)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.ProbeAll(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("Upstream health prober stopped")
			return
		case <-ticker.C:
		}
	}
}

// ProbeAll sends one probe to every upstream
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, server := range p.servers {
		if ctx.Err() != nil {
			return
		}
		rtt, err := p.Probe(ctx, server)
		p.tracker.Record(server, rtt, err)
		if err != nil {
			p.logger.Warn("Upstream probe failed", "upstream", server.String(), "error", err)
		} else {
			p.logger.Debug("Upstream probe succeeded", "upstream", server.String(), "rtt", rtt)
		}
	}
}

// ErrServerFailure is returned when a probe is answered with SERVFAIL
var ErrServerFailure = errors.New("upstream returned SERVFAIL")

// Probe sends a single query; any answer other than SERVFAIL counts as alive
func (p *Prober) Probe(ctx context.Context, server upstream.Server) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(p.name, dns.TypeNS)
	m.RecursionDesired = true

	resp, rtt, err := p.client.ExchangeContext(ctx, m, server.String())
	if err != nil {
		return rtt, err
	}
	if resp.Rcode == dns.RcodeServerFailure {
		return rtt, ErrServerFailure
	}
	return rtt, nil
}
