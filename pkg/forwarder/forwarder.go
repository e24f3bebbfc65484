// Package forwarder relays opaque DNS queries to a single upstream over UDP.
//
// Every call owns one fresh socket and settles exactly once: with the first
// datagram received, a socket error, or the deadline. The socket is closed
// on every path and nothing is retried.
package forwarder

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/upstream"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultBufferSize = 65535
)

// Selector picks the upstream for a query
type Selector interface {
	Select() upstream.Server
}

// Observer receives the outcome of every exchange; err is nil on success
type Observer interface {
	ObserveForward(server upstream.Server, duration time.Duration, err error)
}

// ListenFunc opens the socket for one exchange
type ListenFunc func(ctx context.Context) (net.PacketConn, error)

func listenUDP(ctx context.Context) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", ":0")
}

// Reply is a successful exchange
type Reply struct {
	Response []byte
	Upstream upstream.Server
	Duration time.Duration
}

// Forwarder dispatches queries to upstreams chosen by a Selector
type Forwarder struct {
	selector   Selector
	listen     ListenFunc
	logger     *logging.Logger
	observers  []Observer
	timeout    time.Duration
	bufferSize int
	verifyID   bool
}

// Option configures a Forwarder
type Option func(*Forwarder)

// WithListener replaces the socket factory
func WithListener(fn ListenFunc) Option {
	return func(f *Forwarder) {
		f.listen = fn
	}
}

// WithObserver adds an observer notified after every exchange
func WithObserver(o Observer) Option {
	return func(f *Forwarder) {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
}

// New creates a forwarder. A nil cfg uses a 5s timeout without reply ID checks.
func New(cfg *config.ForwarderConfig, selector Selector, logger *logging.Logger, opts ...Option) (*Forwarder, error) {
	if selector == nil {
		return nil, errors.New("selector cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg == nil {
		cfg = &config.ForwarderConfig{}
	}

	f := &Forwarder{
		selector:   selector,
		listen:     listenUDP,
		logger:     logger.WithComponent("forwarder"),
		timeout:    cfg.Timeout,
		bufferSize: cfg.BufferSize,
		verifyID:   cfg.VerifyReplyID,
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	if f.bufferSize <= 0 {
		f.bufferSize = defaultBufferSize
	}
	for _, opt := range opts {
		opt(f)
	}

	f.logger.Info("Forwarder initialized",
		"timeout", f.timeout,
		"buffer_size", f.bufferSize,
		"verify_reply_id", f.verifyID)

	return f, nil
}

// Forward sends query to one selected upstream and returns the first reply
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	reply, err := f.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	return reply.Response, nil
}

// Exchange is Forward that also reports which upstream answered and how fast
func (f *Forwarder) Exchange(ctx context.Context, query []byte) (Reply, error) {
	server := f.selector.Select()

	start := time.Now()
	response, err := f.exchange(ctx, server, query)
	duration := time.Since(start)

	for _, o := range f.observers {
		o.ObserveForward(server, duration, err)
	}

	if err != nil {
		f.logger.Warn("Upstream query failed",
			"upstream", server.String(),
			"kind", KindOf(err).String(),
			"duration", duration,
			"error", err)
		return Reply{Upstream: server, Duration: duration}, err
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", server.String(),
		"query_bytes", len(query),
		"response_bytes", len(response),
		"rtt", duration)

	return Reply{Response: response, Upstream: server, Duration: duration}, nil
}

func (f *Forwarder) exchange(ctx context.Context, server upstream.Server, query []byte) ([]byte, error) {
	target := server.String()

	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, &Error{Kind: KindTransmit, Upstream: target, Err: err}
	}

	conn, err := f.listen(ctx)
	if err != nil {
		return nil, &Error{Kind: KindTransmit, Upstream: target, Err: err}
	}

	ex := &exchange{
		conn:     conn,
		upstream: target,
		outcome:  make(chan outcome, 1),
	}
	if f.verifyID && len(query) >= 2 {
		ex.verifyID = true
		ex.queryID = [2]byte{query[0], query[1]}
	}

	timer := time.AfterFunc(f.timeout, func() {
		ex.settle(outcome{err: &Error{Kind: KindTimeout, Upstream: target}})
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		ex.settle(outcome{err: contextError(target, ctx.Err())})
	})
	defer stop()

	var reader sync.WaitGroup
	if _, err := conn.WriteTo(query, raddr); err != nil {
		ex.settle(outcome{err: &Error{Kind: KindTransmit, Upstream: target, Err: err}})
	} else {
		reader.Add(1)
		go func() {
			defer reader.Done()
			ex.readLoop(f.bufferSize)
		}()
	}

	result := <-ex.outcome
	ex.close()
	reader.Wait()

	return result.response, result.err
}

func contextError(target string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Upstream: target, Err: err}
	}
	return &Error{Kind: KindNetwork, Upstream: target, Err: err}
}

type outcome struct {
	response []byte
	err      error
}

// exchange is the state of one in-flight query
type exchange struct {
	conn      net.PacketConn
	outcome   chan outcome // capacity 1, written only by the settling caller
	upstream  string
	closeOnce sync.Once
	settled   atomic.Bool
	verifyID  bool
	queryID   [2]byte
}

// settle commits o if nothing has settled yet and closes the socket.
// It reports whether o won.
func (e *exchange) settle(o outcome) bool {
	if !e.settled.CompareAndSwap(false, true) {
		return false
	}
	e.outcome <- o
	e.close()
	return true
}

func (e *exchange) close() {
	e.closeOnce.Do(func() {
		_ = e.conn.Close()
	})
}

// readLoop returns once the exchange has settled or the socket is closed
func (e *exchange) readLoop(bufferSize int) {
	buf := make([]byte, bufferSize)
	for {
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			// After settlement this is the close unblocking the read
			e.settle(outcome{err: &Error{Kind: KindNetwork, Upstream: e.upstream, Err: err}})
			return
		}
		if e.verifyID && (n < 2 || buf[0] != e.queryID[0] || buf[1] != e.queryID[1]) {
			continue
		}
		e.settle(outcome{response: append([]byte(nil), buf[:n]...)})
		return
	}
}
