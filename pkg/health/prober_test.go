package health

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/upstream"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.NewWriter(io.Discard, "debug", "text")
}

// mockResolver answers every query with rcode
func mockResolver(t *testing.T, rcode int) upstream.Server {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetRcode(r, rcode)
			_ = w.WriteMsg(resp)
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	host, port, err := net.SplitHostPort(pc.LocalAddr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return upstream.Server{Address: host, Port: p, Weight: 1}
}

func silentResolver(t *testing.T) upstream.Server {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	addr := pc.LocalAddr().(*net.UDPAddr)
	return upstream.Server{Address: "127.0.0.1", Port: addr.Port, Weight: 1}
}

func TestProbe(t *testing.T) {
	healthy := mockResolver(t, dns.RcodeSuccess)
	nxdomain := mockResolver(t, dns.RcodeNameError)
	failing := mockResolver(t, dns.RcodeServerFailure)
	silent := silentResolver(t)

	servers := []upstream.Server{healthy, nxdomain, failing, silent}
	tr := NewTracker(servers, 1)
	p := NewProber(tr, servers, "", time.Minute, 200*time.Millisecond, testLogger())

	ctx := context.Background()

	_, err := p.Probe(ctx, healthy)
	assert.NoError(t, err)

	_, err = p.Probe(ctx, nxdomain)
	assert.NoError(t, err, "any answer except SERVFAIL means the upstream is alive")

	_, err = p.Probe(ctx, failing)
	assert.ErrorIs(t, err, ErrServerFailure)

	_, err = p.Probe(ctx, silent)
	assert.Error(t, err)
}

func TestProbeAll_FeedsTracker(t *testing.T) {
	healthy := mockResolver(t, dns.RcodeSuccess)
	silent := silentResolver(t)

	servers := []upstream.Server{healthy, silent}
	tr := NewTracker(servers, 1)
	p := NewProber(tr, servers, "example.com", time.Minute, 200*time.Millisecond, testLogger())

	p.ProbeAll(context.Background())

	assert.True(t, tr.IsHealthy(healthy))
	assert.False(t, tr.IsHealthy(silent))
	assert.True(t, tr.Ready())
	assert.Equal(t, "example.com.", p.name)
}

func TestRun(t *testing.T) {
	healthy := mockResolver(t, dns.RcodeSuccess)
	servers := []upstream.Server{healthy}
	tr := NewTracker(servers, 1)
	p := NewProber(tr, servers, ".", 20*time.Millisecond, 200*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return tr.Statuses()[0].Successes >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_DisabledInterval(t *testing.T) {
	tr := NewTracker(nil, 1)
	p := NewProber(tr, nil, ".", 0, 0, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when probing is disabled")
	}
}
