package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"doh-gateway/pkg/api"
	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/health"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/ratelimit"
	"doh-gateway/pkg/resolver"
	"doh-gateway/pkg/storage"
	"doh-gateway/pkg/telemetry"
	"doh-gateway/pkg/upstream"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	version    = "dev"
	buildTime  = "unknown"
)

const retentionInterval = time.Hour

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "doh-gateway: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, or returns the defaults when path is empty
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadWithDefaults(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// run wires every component and blocks until ctx is done or the server fails
func run(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("doh-gateway starting",
		"version", version,
		"build_time", buildTime,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	registry, err := upstream.FromConfig(cfg.Upstreams)
	if err != nil {
		return fmt.Errorf("invalid upstreams: %w", err)
	}
	servers := registry.Servers()

	tracker := health.NewTracker(servers, cfg.Health.FailureThreshold)

	responseCache, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer func() { _ = responseCache.Close() }()
	if err := metrics.RegisterCacheSize(responseCache.Len); err != nil {
		logger.Warn("Failed to register cache size gauge", "error", err)
	}

	fwd, err := forwarder.New(&cfg.Forwarder, upstream.NewSelector(registry), logger,
		forwarder.WithObserver(tracker),
		forwarder.WithObserver(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create forwarder: %w", err)
	}

	res, err := resolver.New(responseCache, fwd, cfg.Cache.TTL, logger,
		resolver.WithMetrics(metrics),
		resolver.WithTracerProvider(telem.TracerProvider()),
		resolver.WithCoalescing(cfg.Resolver.Coalesce),
	)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	queryLog, err := storage.New(&cfg.Storage, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open query log: %w", err)
	}
	defer func() {
		if err := queryLog.Close(); err != nil {
			logger.Error("Error closing query log", "error", err)
		}
	}()

	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)
	defer limiter.Stop()

	server, err := api.New(&api.Config{
		Server:      cfg.Server,
		Auth:        cfg.Auth,
		Resolver:    res,
		Cache:       responseCache,
		Health:      tracker,
		Storage:     queryLog,
		RateLimiter: limiter,
		Metrics:     metrics,
		Logger:      logger,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workers sync.WaitGroup
	spawn := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}

	prober := health.NewProber(tracker, servers, cfg.Health.ProbeName,
		cfg.Health.ProbeInterval, cfg.Health.ProbeTimeout, logger)
	spawn(func() { prober.Run(runCtx) })

	if cfg.Storage.Enabled {
		spawn(func() {
			storage.RunRetention(runCtx, queryLog, cfg.Storage.RetentionDays, retentionInterval, logger)
		})
	}

	if path != "" {
		watcher, err := config.NewWatcher(path, logger.Logger)
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			watcher.OnChange(func(old, updated *config.Config) {
				if old.Logging.Level != updated.Logging.Level {
					logger.SetLevel(updated.Logging.Level)
					logger.Info("Log level changed", "level", updated.Logging.Level)
				}
			})
			spawn(func() {
				if err := watcher.Start(runCtx); err != nil {
					logger.Error("Config watcher stopped", "error", err)
				}
			})
		}
	}

	logger.Info("doh-gateway is running",
		"address", cfg.Server.ListenAddress,
		"path", cfg.Server.DoHPath,
		"upstreams", len(servers),
		"cache_ttl", cfg.Cache.TTL,
	)

	serveErr := server.Start(runCtx)
	if serveErr != nil {
		logger.Error("Server error", "error", serveErr)
	}

	cancel()
	workers.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("doh-gateway stopped")

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
