// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the gateway.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/upstream"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const meterName = "doh-gateway"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	traceWriter        io.Writer
	logger             *logging.Logger
}

// Option configures a Telemetry
type Option func(*Telemetry)

// WithTraceWriter sends exported spans to w instead of tracing_output
func WithTraceWriter(w io.Writer) Option {
	return func(t *Telemetry) {
		t.traceWriter = w
	}
}

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// DoH transport
	DoHRequests        metric.Int64Counter
	DoHRequestDuration metric.Float64Histogram

	// Resolution pipeline
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Upstream exchanges
	UpstreamQueries  metric.Int64Counter
	UpstreamDuration metric.Float64Histogram

	RateLimitViolations   metric.Int64Counter
	StorageQueriesDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger, opts ...Option) (*Telemetry, error) {
	logger = logger.WithComponent("telemetry")

	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		if err := t.setupTracing(res); err != nil {
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)

	return nil
}

// setupTracing exports spans as JSON lines through stdouttrace
func (t *Telemetry) setupTracing(res *resource.Resource) error {
	w := t.traceWriter
	if w == nil {
		switch t.cfg.TracingOutput {
		case "stderr":
			w = os.Stderr
		default:
			w = os.Stdout
		}
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fmt.Errorf("failed to create span exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)

	t.logger.Info("Tracing enabled", "output", t.cfg.TracingOutput)
	return nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics creates every instrument on the configured meter provider
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(meterName)
	m := &Metrics{meter: meter}

	var err error
	if m.DoHRequests, err = meter.Int64Counter(
		"doh.requests.total",
		metric.WithDescription("DoH requests by HTTP status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create doh requests counter: %w", err)
	}

	if m.DoHRequestDuration, err = meter.Float64Histogram(
		"doh.request.duration",
		metric.WithDescription("DoH request handling duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create doh duration histogram: %w", err)
	}

	if m.CacheHits, err = meter.Int64Counter(
		"dns.cache.hits",
		metric.WithDescription("Number of queries answered from cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	if m.CacheMisses, err = meter.Int64Counter(
		"dns.cache.misses",
		metric.WithDescription("Number of queries not found in cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	if m.UpstreamQueries, err = meter.Int64Counter(
		"upstream.queries.total",
		metric.WithDescription("Upstream exchanges by upstream and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream queries counter: %w", err)
	}

	if m.UpstreamDuration, err = meter.Float64Histogram(
		"upstream.query.duration",
		metric.WithDescription("Upstream exchange duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	if m.RateLimitViolations, err = meter.Int64Counter(
		"rate_limit.violations",
		metric.WithDescription("Number of rate limit violations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit violations counter: %w", err)
	}

	if m.StorageQueriesDropped, err = meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Number of query log entries dropped due to full buffer"),
	); err != nil {
		return nil, fmt.Errorf("failed to create storage queries dropped counter: %w", err)
	}

	return m, nil
}

// RegisterCacheSize exports the cache entry count as an observable gauge
func (m *Metrics) RegisterCacheSize(size func() int) error {
	if m == nil || m.meter == nil {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge(
		"dns.cache.entries",
		metric.WithDescription("Number of entries in the response cache"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache size gauge: %w", err)
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(size()))
		return nil
	}, gauge)
	return err
}

// ObserveForward implements forwarder.Observer
func (m *Metrics) ObserveForward(server upstream.Server, duration time.Duration, err error) {
	if m == nil || m.UpstreamQueries == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = forwarder.KindOf(err).String()
	}
	attrs := metric.WithAttributes(
		attribute.String("upstream", server.String()),
		attribute.String("outcome", outcome),
	)
	ctx := context.Background()
	m.UpstreamQueries.Add(ctx, 1, attrs)
	m.UpstreamDuration.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

// RecordCacheLookup counts a hit or a miss
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.CacheHits == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

// RecordDoHRequest counts one request by status and records its latency
func (m *Metrics) RecordDoHRequest(ctx context.Context, status int, duration time.Duration) {
	if m == nil || m.DoHRequests == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("status", status))
	m.DoHRequests.Add(ctx, 1, attrs)
	m.DoHRequestDuration.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

// AddRateLimitViolation counts a rejected request
func (m *Metrics) AddRateLimitViolation(ctx context.Context) {
	if m != nil && m.RateLimitViolations != nil {
		m.RateLimitViolations.Add(ctx, 1)
	}
}

// AddDroppedQuery implements storage.MetricsRecorder
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
