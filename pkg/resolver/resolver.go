// Package resolver runs the resolution pipeline: cache lookup, forward on a
// miss, cache population on success.
package resolver

import (
	"context"
	"errors"
	"time"

	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

const defaultTTL = 5 * time.Minute

// Cache is the response store keyed by exact query bytes
type Cache interface {
	Get(key []byte) ([]byte, bool)
	Put(key, response []byte, ttl time.Duration)
}

// Forwarder performs one upstream exchange
type Forwarder interface {
	Exchange(ctx context.Context, query []byte) (forwarder.Reply, error)
}

// Result is a resolved query
type Result struct {
	Response []byte
	Upstream string // empty when served from cache
	Cached   bool
	Shared   bool // answered by a coalesced exchange started by another caller
}

// Resolver answers queries from the cache or an upstream
type Resolver struct {
	cache     Cache
	forwarder Forwarder
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	group     singleflight.Group
	ttl       time.Duration
	coalesce  bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithMetrics records cache hits and misses
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithTracerProvider wraps every resolution in a span
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Resolver) {
		if tp != nil {
			r.tracer = tp.Tracer("doh-gateway/resolver")
		}
	}
}

// WithCoalescing shares one upstream exchange between concurrent identical misses
func WithCoalescing(enabled bool) Option {
	return func(r *Resolver) {
		r.coalesce = enabled
	}
}

// New creates a resolver. Successful replies are cached for ttl, or five
// minutes when ttl is not positive.
func New(cache Cache, fwd Forwarder, ttl time.Duration, logger *logging.Logger, opts ...Option) (*Resolver, error) {
	if cache == nil {
		return nil, errors.New("cache cannot be nil")
	}
	if fwd == nil {
		return nil, errors.New("forwarder cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	r := &Resolver{
		cache:     cache,
		forwarder: fwd,
		logger:    logger.WithComponent("resolver"),
		tracer:    tracenoop.NewTracerProvider().Tracer("doh-gateway/resolver"),
		ttl:       ttl,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the cached response for query, or forwards it once and
// caches the reply. Failures leave the cache untouched and are returned as is.
func (r *Resolver) Resolve(ctx context.Context, query []byte) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve",
		trace.WithAttributes(attribute.Int("dns.query.size", len(query))))
	defer span.End()

	if response, ok := r.cache.Get(query); ok {
		r.metrics.RecordCacheLookup(ctx, true)
		span.SetAttributes(attribute.Bool("dns.cached", true))
		r.logger.Debug("Cache hit", "query_bytes", len(query))
		return Result{Response: response, Cached: true}, nil
	}
	r.metrics.RecordCacheLookup(ctx, false)
	span.SetAttributes(attribute.Bool("dns.cached", false))

	var (
		result Result
		err    error
	)
	if r.coalesce {
		result, err = r.forwardShared(ctx, query)
	} else {
		result, err = r.forward(ctx, query)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	span.SetAttributes(attribute.String("dns.upstream", result.Upstream))
	return result, nil
}

func (r *Resolver) forward(ctx context.Context, query []byte) (Result, error) {
	reply, err := r.forwarder.Exchange(ctx, query)
	if err != nil {
		return Result{}, err
	}

	r.cache.Put(query, reply.Response, r.ttl)

	return Result{
		Response: reply.Response,
		Upstream: reply.Upstream.String(),
	}, nil
}

// forwardShared detaches the exchange from the leader's cancellation so one
// departing client cannot fail everyone waiting on the same key. The
// forwarder timeout still bounds it.
func (r *Resolver) forwardShared(ctx context.Context, query []byte) (Result, error) {
	v, err, shared := r.group.Do(string(query), func() (any, error) {
		return r.forward(context.WithoutCancel(ctx), query)
	})
	if err != nil {
		return Result{}, err
	}

	result := v.(Result)
	result.Shared = shared
	return result, nil
}

// TTL returns the lifetime given to cached responses
func (r *Resolver) TTL() time.Duration {
	return r.ttl
}
