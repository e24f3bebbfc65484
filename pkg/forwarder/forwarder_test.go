package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/upstream"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSelector struct {
	server upstream.Server
}

func (s fixedSelector) Select() upstream.Server { return s.server }

type observation struct {
	server upstream.Server
	err    error
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (o *recordingObserver) ObserveForward(server upstream.Server, _ time.Duration, err error) {
	o.mu.Lock()
	o.seen = append(o.seen, observation{server: server, err: err})
	o.mu.Unlock()
}

func (o *recordingObserver) all() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.seen...)
}

// countingConn counts Close calls on a real socket
type countingConn struct {
	net.PacketConn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.PacketConn.Close()
}

// faultyConn fails reads or writes on demand and unblocks reads on Close
type faultyConn struct {
	net.PacketConn
	writeErr error
	readErr  error
	closed   chan struct{}
	closes   atomic.Int32
	once     sync.Once
}

func newFaultyConn(t *testing.T, writeErr, readErr error) *faultyConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return &faultyConn{PacketConn: pc, writeErr: writeErr, readErr: readErr, closed: make(chan struct{})}
}

func (c *faultyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(p), nil
}

func (c *faultyConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *faultyConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testLogger() *logging.Logger {
	return logging.NewWriter(io.Discard, "debug", "text")
}

// startUpstream runs a mock UDP resolver; handle runs in its own goroutine per datagram
func startUpstream(t *testing.T, handle func(pc net.PacketConn, client net.Addr, query []byte)) upstream.Server {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 65535)
		for {
			n, client, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			query := append([]byte(nil), buf[:n]...)
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(pc, client, query)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = pc.Close()
		<-done
		wg.Wait()
	})

	host, port, err := net.SplitHostPort(pc.LocalAddr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return upstream.Server{Address: host, Port: p, Weight: 1}
}

func silentUpstream(t *testing.T) upstream.Server {
	return startUpstream(t, func(net.PacketConn, net.Addr, []byte) {})
}

func answeringUpstream(t *testing.T, ip string) upstream.Server {
	return startUpstream(t, func(pc net.PacketConn, client net.Addr, query []byte) {
		_, _ = pc.WriteTo(packReply(t, query, ip), client)
	})
}

func packQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	packed, err := m.Pack()
	require.NoError(t, err)
	return packed
}

func packReply(t *testing.T, query []byte, ip string) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		t.Errorf("mock upstream received malformed query: %v", err)
		return nil
	}
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip),
	})
	packed, err := resp.Pack()
	if err != nil {
		t.Errorf("failed to pack reply: %v", err)
		return nil
	}
	return packed
}

func answerIP(t *testing.T, response []byte) (uint16, string) {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(response))
	require.Len(t, m.Answer, 1)
	return m.Id, m.Answer[0].(*dns.A).A.String()
}

func newTestForwarder(t *testing.T, server upstream.Server, cfg *config.ForwarderConfig, opts ...Option) *Forwarder {
	t.Helper()
	f, err := New(cfg, fixedSelector{server}, testLogger(), opts...)
	require.NoError(t, err)
	return f
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil, testLogger())
	assert.Error(t, err)

	_, err = New(nil, fixedSelector{}, nil)
	assert.Error(t, err)

	f, err := New(nil, fixedSelector{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, f.timeout)
	assert.Equal(t, 65535, f.bufferSize)
	assert.False(t, f.verifyID)
}

func TestForward_Success(t *testing.T) {
	server := answeringUpstream(t, "192.0.2.10")
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second})

	reply, err := f.Exchange(context.Background(), packQuery(t, 0xbeef, "example.com"))
	require.NoError(t, err)

	id, ip := answerIP(t, reply.Response)
	assert.Equal(t, uint16(0xbeef), id)
	assert.Equal(t, "192.0.2.10", ip)
	assert.Equal(t, server, reply.Upstream)
	assert.Positive(t, reply.Duration)
}

func TestForward_OpaqueBytes(t *testing.T) {
	// The relay never parses either direction
	server := startUpstream(t, func(pc net.PacketConn, client net.Addr, query []byte) {
		_, _ = pc.WriteTo(append([]byte("echo:"), query...), client)
	})
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second})

	resp, err := f.Forward(context.Background(), []byte{0xff, 0x00, 0x13})
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:\xff\x00\x13"), resp)
}

func TestForward_Timeout(t *testing.T) {
	server := silentUpstream(t)
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: 100 * time.Millisecond})

	start := time.Now()
	resp, err := f.Forward(context.Background(), packQuery(t, 1, "example.com"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestForward_LateReplyIsNotDelivered(t *testing.T) {
	server := startUpstream(t, func(pc net.PacketConn, client net.Addr, query []byte) {
		if query[0] == 0x00 && query[1] == 0x01 {
			// Answer the first query only after its deadline
			time.Sleep(300 * time.Millisecond)
			_, _ = pc.WriteTo(packReply(t, query, "192.0.2.1"), client)
			return
		}
		_, _ = pc.WriteTo(packReply(t, query, "192.0.2.2"), client)
	})
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: 100 * time.Millisecond})

	_, err := f.Forward(context.Background(), packQuery(t, 1, "slow.example"))
	require.ErrorIs(t, err, ErrTimeout)

	resp, err := f.Forward(context.Background(), packQuery(t, 2, "fast.example"))
	require.NoError(t, err)
	id, ip := answerIP(t, resp)
	assert.Equal(t, uint16(2), id)
	assert.Equal(t, "192.0.2.2", ip)

	// Let the late datagram hit the closed socket, then check nothing changed
	time.Sleep(350 * time.Millisecond)
	resp, err = f.Forward(context.Background(), packQuery(t, 3, "fast.example"))
	require.NoError(t, err)
	id, _ = answerIP(t, resp)
	assert.Equal(t, uint16(3), id)
}

func TestForward_FirstDatagramWins(t *testing.T) {
	server := startUpstream(t, func(pc net.PacketConn, client net.Addr, query []byte) {
		_, _ = pc.WriteTo(packReply(t, query, "192.0.2.1"), client)
		_, _ = pc.WriteTo(packReply(t, query, "192.0.2.99"), client)
	})
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second})

	resp, err := f.Forward(context.Background(), packQuery(t, 7, "example.com"))
	require.NoError(t, err)

	_, ip := answerIP(t, resp)
	assert.Equal(t, "192.0.2.1", ip)
}

func TestForward_VerifyReplyID(t *testing.T) {
	handler := func(pc net.PacketConn, client net.Addr, query []byte) {
		wrong := packReply(t, query, "192.0.2.66")
		wrong[0], wrong[1] = query[0]^0xff, query[1]
		_, _ = pc.WriteTo(wrong, client)
		time.Sleep(20 * time.Millisecond)
		_, _ = pc.WriteTo(packReply(t, query, "192.0.2.1"), client)
	}

	t.Run("enabled skips mismatched IDs", func(t *testing.T) {
		server := startUpstream(t, handler)
		f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second, VerifyReplyID: true})

		resp, err := f.Forward(context.Background(), packQuery(t, 0x4242, "example.com"))
		require.NoError(t, err)
		id, ip := answerIP(t, resp)
		assert.Equal(t, uint16(0x4242), id)
		assert.Equal(t, "192.0.2.1", ip)
	})

	t.Run("disabled accepts the first datagram", func(t *testing.T) {
		server := startUpstream(t, handler)
		f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second})

		resp, err := f.Forward(context.Background(), packQuery(t, 0x4242, "example.com"))
		require.NoError(t, err)
		_, ip := answerIP(t, resp)
		assert.Equal(t, "192.0.2.66", ip)
	})

	t.Run("enabled times out when no reply matches", func(t *testing.T) {
		server := startUpstream(t, func(pc net.PacketConn, client net.Addr, query []byte) {
			_, _ = pc.WriteTo([]byte{query[0] ^ 0xff}, client)
		})
		f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: 100 * time.Millisecond, VerifyReplyID: true})

		_, err := f.Forward(context.Background(), packQuery(t, 0x4242, "example.com"))
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestForward_TransmitError(t *testing.T) {
	server := upstream.Server{Address: "127.0.0.1", Port: 53, Weight: 1}

	t.Run("socket open fails", func(t *testing.T) {
		openErr := errors.New("no sockets left")
		f := newTestForwarder(t, server, nil, WithListener(func(context.Context) (net.PacketConn, error) {
			return nil, openErr
		}))

		_, err := f.Forward(context.Background(), []byte{0, 1})
		assert.ErrorIs(t, err, ErrTransmit)
		assert.ErrorIs(t, err, openErr)
	})

	t.Run("send fails", func(t *testing.T) {
		sendErr := errors.New("message too long")
		conn := newFaultyConn(t, sendErr, nil)
		f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second}, WithListener(func(context.Context) (net.PacketConn, error) {
			return conn, nil
		}))

		_, err := f.Forward(context.Background(), []byte{0, 1})
		assert.ErrorIs(t, err, ErrTransmit)
		assert.ErrorIs(t, err, sendErr)
		assert.Equal(t, int32(1), conn.closes.Load())
	})
}

func TestForward_NetworkError(t *testing.T) {
	readErr := errors.New("connection refused")
	conn := newFaultyConn(t, nil, readErr)
	server := upstream.Server{Address: "127.0.0.1", Port: 53, Weight: 1}
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: time.Second}, WithListener(func(context.Context) (net.PacketConn, error) {
		return conn, nil
	}))

	_, err := f.Forward(context.Background(), []byte{0, 1})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, readErr)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestForward_Context(t *testing.T) {
	server := silentUpstream(t)
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: 5 * time.Second})

	t.Run("parent deadline reports timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := f.Forward(ctx, packQuery(t, 1, "example.com"))
		assert.ErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancellation reports network error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := f.Forward(ctx, packQuery(t, 1, "example.com"))
		assert.ErrorIs(t, err, ErrNetwork)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("already cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.Forward(ctx, packQuery(t, 1, "example.com"))
		assert.Error(t, err)
	})
}

func TestForward_SocketClosedExactlyOnce(t *testing.T) {
	answering := answeringUpstream(t, "192.0.2.1")
	silent := silentUpstream(t)

	tests := []struct {
		name    string
		server  upstream.Server
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name:   "reply",
			server: answering,
			ctx:    func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
		},
		{
			name:    "timeout",
			server:  silent,
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
			wantErr: ErrTimeout,
		},
		{
			name:    "parent deadline",
			server:  silent,
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithTimeout(context.Background(), 20*time.Millisecond) },
			wantErr: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conns []*countingConn
			var mu sync.Mutex
			listen := func(ctx context.Context) (net.PacketConn, error) {
				pc, err := listenUDP(ctx)
				if err != nil {
					return nil, err
				}
				c := &countingConn{PacketConn: pc}
				mu.Lock()
				conns = append(conns, c)
				mu.Unlock()
				return c, nil
			}
			f := newTestForwarder(t, tt.server, &config.ForwarderConfig{Timeout: 100 * time.Millisecond}, WithListener(listen))

			ctx, cancel := tt.ctx()
			defer cancel()

			_, err := f.Forward(ctx, packQuery(t, 9, "example.com"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, conns, 1)
			assert.Equal(t, int32(1), conns[0].closes.Load())
		})
	}
}

func TestForward_Observer(t *testing.T) {
	answering := answeringUpstream(t, "192.0.2.1")
	obs := &recordingObserver{}
	f := newTestForwarder(t, answering, &config.ForwarderConfig{Timeout: 100 * time.Millisecond}, WithObserver(obs), WithObserver(nil))

	_, err := f.Forward(context.Background(), packQuery(t, 1, "example.com"))
	require.NoError(t, err)

	silent := silentUpstream(t)
	f.selector = fixedSelector{silent}
	_, err = f.Forward(context.Background(), packQuery(t, 2, "example.com"))
	require.Error(t, err)

	seen := obs.all()
	require.Len(t, seen, 2)
	assert.Equal(t, answering, seen[0].server)
	assert.NoError(t, seen[0].err)
	assert.Equal(t, silent, seen[1].server)
	assert.ErrorIs(t, seen[1].err, ErrTimeout)
}

func TestForward_ConcurrentQueriesAreIndependent(t *testing.T) {
	server := answeringUpstream(t, "192.0.2.1")
	f := newTestForwarder(t, server, &config.ForwarderConfig{Timeout: 2 * time.Second})

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			resp, err := f.Forward(context.Background(), packQuery(t, id, "example.com"))
			if !assert.NoError(t, err) {
				return
			}
			got, _ := answerIP(t, resp)
			assert.Equal(t, id, got)
		}(uint16(i))
	}
	wg.Wait()
}

func TestExchange_SettleAtMostOnce(t *testing.T) {
	conn := newFaultyConn(t, nil, nil)
	ex := &exchange{conn: conn, upstream: "test", outcome: make(chan outcome, 1)}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ex.settle(outcome{response: []byte{byte(i)}}) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, ex.outcome, 1)
	assert.Equal(t, int32(1), conn.closes.Load())

	ex.close()
	assert.Equal(t, int32(1), conn.closes.Load())
}
