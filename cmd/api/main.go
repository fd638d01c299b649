// Package main is the entry point for the feed API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/autofeed/internal/api"
	"github.com/onnwee/autofeed/internal/config"
	"github.com/onnwee/autofeed/internal/feed"
	"github.com/onnwee/autofeed/internal/health"
	"github.com/onnwee/autofeed/internal/jobs"
	"github.com/onnwee/autofeed/internal/middleware"
	"github.com/onnwee/autofeed/internal/ranking"
	"github.com/onnwee/autofeed/internal/store"
	"github.com/onnwee/autofeed/internal/tracing"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

// options are command line settings not covered by config.
type options struct {
	seedCount     int
	seedValue     int64
	migrationsDir string
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to optional YAML config file")
	seedCount := flag.Int("seed", 0, "insert N demo listings at startup")
	seedValue := flag.Int64("seed-value", 1, "random seed for demo listings (0 = time based)")
	migrationsDir := flag.String("migrations", "", "apply SQL migrations from this directory at startup")
	flag.Parse()

	if *help {
		fmt.Println("Autofeed API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if cfg == nil {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	summary := cfg.LogSummary()
	attrs := make([]any, 0, len(summary)*2)
	for k, v := range summary {
		attrs = append(attrs, k, v)
	}
	logger.Info("configuration loaded", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{seedCount: *seedCount, seedValue: *seedValue, migrationsDir: *migrationsDir}
	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run builds the application and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return a.serve(ctx, ln, cfg.SessionIdleTimeout())
}

// app holds the wired server and everything that must be closed with it.
type app struct {
	handler   http.Handler
	registry  *feed.Registry
	backend   *store.Backend
	tracer    *tracing.Provider
	rateStore *middleware.InMemoryRateLimitStore // nil when Redis backs rate limits
	jobs      *jobs.Runner
	logger    *slog.Logger
}

// newApp wires configuration, storage, ranking, sessions and HTTP middleware.
func newApp(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:  api.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	thresholds, cerr := ranking.LoadCalibration(cfg.RankingCalibrationPath)
	if cerr != nil {
		logger.Warn("using default hotness thresholds", "path", cfg.RankingCalibrationPath, "error", cerr)
	}
	ranker := ranking.NewRanker(thresholds, logger)

	a.backend, err = store.OpenBackend(ctx, store.BackendConfig{
		DatabaseURL:        cfg.DatabaseURL,
		RedisURL:           cfg.RedisURL,
		MigrationsDir:      opts.migrationsDir,
		Thresholds:         thresholds,
		TotalEstimateRatio: cfg.TotalEstimateRatio,
		TotalCacheTTL:      cfg.TotalCacheTTL(),
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open listing store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	feedMetrics := feed.NewMetrics()
	if err = feedMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register feed metrics: %w", err)
	}
	httpMetrics := middleware.NewMetrics()
	if err = httpMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register http metrics: %w", err)
	}
	jobMetrics := jobs.NewMetrics()
	if err = jobMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register job metrics: %w", err)
	}
	a.jobs = jobs.NewRunner(jobMetrics, logger)

	if opts.seedCount > 0 {
		listings := store.GenerateListings(opts.seedCount, time.Now(), opts.seedValue)
		n, serr := a.jobs.Run(ctx, jobs.JobTypeDemoSeed, func(ctx context.Context) (int, error) {
			return store.Seed(ctx, a.backend.Inserter, listings)
		})
		if serr != nil {
			return nil, serr
		}
		logger.Info("seeded demo listings", "inserted", n)
	}

	a.registry = feed.NewRegistry(feed.RegistryConfig{
		Store:           a.backend.Store,
		Ranker:          ranker,
		Logger:          logger,
		Metrics:         feedMetrics,
		DefaultPageSize: cfg.FeedDefaultPageSize,
	})

	checkers := []api.HealthChecker{health.NewRedisChecker(a.backend.Redis)}
	if a.backend.DB != nil {
		checkers = append(checkers, health.NewDBChecker(a.backend.DB))
	}

	mux := api.NewMux(api.Routes{
		Listings: api.NewListingHandlers(api.ListingHandlersConfig{
			Store:           a.backend.Store,
			Views:           a.backend.Views,
			Ranker:          ranker,
			DefaultPageSize: cfg.FeedDefaultPageSize,
			MaxPageSize:     cfg.FeedMaxPageSize,
			Logger:          logger,
		}),
		Feeds: api.NewFeedHandlers(api.FeedHandlersConfig{
			Registry:    a.registry,
			Ranker:      ranker,
			MaxPageSize: cfg.FeedMaxPageSize,
			Logger:      logger,
		}),
		Health:  api.NewHealthHandlers(api.HealthHandlersConfig{Checkers: checkers, Logger: logger}),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	var rateStore middleware.RateLimitStore
	if a.backend.Redis != nil {
		rateStore = middleware.NewRedisRateLimitStore(a.backend.Redis).WithMetrics(httpMetrics).WithLogger(logger)
	} else {
		a.rateStore = middleware.NewInMemoryRateLimitStore()
		rateStore = a.rateStore
	}

	// Outermost first: RequestID -> Tracing -> Logging -> HTTPMetrics -> RateLimiter -> mux
	var handler http.Handler = mux
	handler = middleware.RateLimiter(rateStore, middleware.PerMinute(cfg.RateLimitRequestsPerMinute), middleware.IPKeyFunc(), httpMetrics)(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if a.tracer.IsEnabled() {
		handler = middleware.Tracing(api.ServiceName)(handler)
	}
	a.handler = middleware.RequestID(handler)

	return a, nil
}

// serve runs the HTTP server on ln and the maintenance jobs until ctx is
// cancelled, then drains in-flight requests.
func (a *app) serve(ctx context.Context, ln net.Listener, idleTimeout time.Duration) error {
	server := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.jobs.Every(gctx, sweepInterval, jobs.JobTypeSessionSweep, func(context.Context) (int, error) {
			return a.registry.Cleanup(idleTimeout), nil
		})
		return nil
	})

	if a.rateStore != nil {
		g.Go(func() error {
			a.jobs.Every(gctx, sweepInterval, jobs.JobTypeRateLimitCleanup, func(context.Context) (int, error) {
				return a.rateStore.Cleanup(), nil
			})
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// close releases tracing, database and Redis resources.
func (a *app) close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shut down tracer provider", "error", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Error("failed to close storage", "error", err)
		}
	}
}
