// Package app wires every component named in the configuration into a
// running proxy: the StatsStore, the recent-request cache window, the
// RateLimitDetector, one EndpointWorker per configured upstream, the
// worker Pool's health prober, the RequestRouter, and the ingress HTTP
// server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcrelay/rpcgate/internal/cache"
	"github.com/arcrelay/rpcgate/internal/config"
	"github.com/arcrelay/rpcgate/internal/detector"
	"github.com/arcrelay/rpcgate/internal/ingress"
	"github.com/arcrelay/rpcgate/internal/logger"
	"github.com/arcrelay/rpcgate/internal/metrics"
	"github.com/arcrelay/rpcgate/internal/router"
	"github.com/arcrelay/rpcgate/internal/stats"
	"github.com/arcrelay/rpcgate/internal/worker"
)

// Application owns every long-lived component's lifecycle.
type Application struct {
	cfg    *config.Config
	log    *logger.StyledLogger
	store  *stats.Store
	pool   *worker.Pool
	router *router.Router
	srv    *ingress.Server
}

// New constructs every component and registers one EndpointWorker per
// configured upstream. It does not start anything — call Start for that.
func New(ctx context.Context, cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	window, err := buildCacheWindow(cfg)
	if err != nil {
		return nil, fmt.Errorf("build cache window: %w", err)
	}

	store, err := stats.Open(ctx, cfg.Database.Path, window)
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}

	mcol := metrics.NewPrometheus()
	det := detector.New(store, detector.Config{
		MinCooldown:        time.Duration(cfg.RateLimit.MinCooldownMs) * time.Millisecond,
		MaxCooldown:        time.Duration(cfg.RateLimit.MaxCooldownMs) * time.Millisecond,
		BackoffMultiplier:  cfg.RateLimit.BackoffMultiplier,
		HistoryWindow:      cfg.RateLimit.HistoryWindowSize,
		DetectionThreshold: cfg.RateLimit.DetectionThreshold,
	})

	httpClient := &http.Client{Timeout: cfg.Worker.RequestTimeout}
	pool := worker.NewPool(httpClient, log, cfg.Worker.HealthCheckInterval)

	workerCfg := worker.Config{
		RequestTimeout:      cfg.Worker.RequestTimeout,
		MaxQueueSize:        cfg.Worker.MaxQueueSize,
		ErrorStateThreshold: cfg.Worker.ErrorStateThreshold,
	}
	for _, url := range cfg.Endpoints {
		endpointID, err := store.EnsureEndpoint(ctx, url)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("register endpoint %s: %w", url, err)
		}
		pool.Add(worker.New(endpointID, url, httpClient, det, store, mcol, log, workerCfg))
	}

	r := router.New(pool, mcol, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := ingress.New(addr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, ingress.Deps{
		Router:         r,
		HealthCheck:    func() bool { return len(pool.Available()) > 0 },
		Stats:          func(ctx context.Context) (any, error) { return store.EndpointStatistics(ctx) },
		MetricsHandler: mcol.Handler(),
		Log:            log,
	})

	return &Application{
		cfg:    cfg,
		log:    log,
		store:  store,
		pool:   pool,
		router: r,
		srv:    srv,
	}, nil
}

// Start launches the worker pool's health prober and the ingress HTTP
// server. It does not block; a startup or runtime HTTP server error is
// delivered on the returned channel.
func (a *Application) Start(ctx context.Context) <-chan error {
	a.pool.Start()
	errCh := a.srv.Start()

	a.log.Info("rpcgate started",
		"endpoints", len(a.cfg.Endpoints),
		"bind", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port))

	return errCh
}

// Stop shuts the ingress down (bounded by cfg.Server.ShutdownTimeout), then
// stops the pool, where each worker finishes its current item and leaves
// queued items unprocessed, and finally closes the stats store, flushing
// pending request_log rows.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.srv.Stop(shutdownCtx); err != nil {
		a.log.Error("ingress shutdown error", "error", err)
	}

	a.pool.Stop()

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close stats store: %w", err)
	}

	return nil
}

// buildCacheWindow returns a RedisWindow when cfg.Database.RedisAddr is
// set, otherwise a process-local MemoryWindow.
func buildCacheWindow(cfg *config.Config) (cache.Window, error) {
	if cfg.Database.RedisAddr == "" {
		return cache.NewMemoryWindow(cfg.RateLimit.HistoryWindowSize), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.Database.RedisAddr,
		DB:   cfg.Database.RedisDB,
	})
	return cache.NewRedisWindow(client, cfg.RateLimit.HistoryWindowSize), nil
}
