// Command foiacquire runs the document-acquisition worker: it reads a
// scraper configuration document, then runs discovery, fetch, page
// decomposition, analysis dispatch, archive-provenance checking, and
// status publishing as a set of goroutines sharing one catalog and CAS
// store until told to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/foiacquire/foiacquire/internal/analysis"
	"github.com/foiacquire/foiacquire/internal/archivecheck"
	"github.com/foiacquire/foiacquire/internal/cas"
	"github.com/foiacquire/foiacquire/internal/catalog"
	"github.com/foiacquire/foiacquire/internal/config"
	"github.com/foiacquire/foiacquire/internal/discovery"
	"github.com/foiacquire/foiacquire/internal/fetchpipeline"
	"github.com/foiacquire/foiacquire/internal/pagedecomp"
	"github.com/foiacquire/foiacquire/internal/ratelimit"
	"github.com/foiacquire/foiacquire/internal/status"
	"github.com/foiacquire/foiacquire/internal/transport"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath := env("CONFIG_FILE", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		logger.Error("read config file", "path", configPath, "error", err)
		os.Exit(1)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		logger.Error("parse config", "error", err)
		os.Exit(1)
	}

	cat, err := catalog.Open(env("DATABASE_URL", "sqlite://data/catalog.db"), catalog.WithLogger(logger))
	if err != nil {
		logger.Error("open catalog", "error", err)
		os.Exit(1)
	}
	defer cat.Close()

	store, err := cas.Open(cas.Config{Root: cfg.Target, Logger: logger})
	if err != nil {
		logger.Error("open cas store", "error", err)
		os.Exit(1)
	}

	limiter, err := newLimiter(logger)
	if err != nil {
		logger.Error("build rate limiter", "error", err)
		os.Exit(1)
	}

	selector, err := newSelector(logger)
	if err != nil {
		logger.Error("build transport selector", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	pub := status.New(cat, status.Config{
		ServiceType: "foiacquire",
		Host:        hostname(),
		Registry:    registry,
		Logger:      logger,
	})

	pipeline := fetchpipeline.New(cat, store, limiter, selector, fetchpipeline.Config{Logger: logger})
	decompWorker := pagedecomp.NewWorker(pagedecomp.New(pagedecomp.Config{}), cat, store, logger)
	dispatcher := analysis.New(cat, analysis.Config{Logger: logger})
	checker := archivecheck.New(cat, limiter, selector, archivecheck.Config{Logger: logger})
	discoveryEngine := discovery.New(cat, limiter, selector, logger)

	pub.SetState("starting", "")

	go func() {
		if err := pub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("status publisher stopped", "error", err)
		}
	}()

	go func() {
		if err := pipeline.Run(ctx, "foiacquire-fetch", 2*time.Second); err != nil && ctx.Err() == nil {
			logger.Error("fetch pipeline stopped", "error", err)
		}
	}()

	go func() {
		if err := decompWorker.Run(ctx, 5*time.Second); err != nil && ctx.Err() == nil {
			logger.Error("page decomposer stopped", "error", err)
		}
	}()

	go func() {
		if err := dispatcher.Run(ctx, "foiacquire-analysis", 2*time.Second); err != nil && ctx.Err() == nil {
			logger.Error("analysis dispatcher stopped", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := checker.RunOnce(ctx, 24*time.Hour)
				if err != nil {
					logger.Error("archive check run failed", "error", err)
				} else if n > 0 {
					logger.Info("archive check run completed", "checked", n)
				}
			}
		}
	}()

	for name, sc := range cfg.Scrapers {
		src := discovery.SourceConfig{
			Name:             name,
			DiscoveryType:    sc.Discovery.Type,
			BaseURL:          sc.Discovery.BaseURL,
			StartPaths:       sc.Discovery.StartPaths,
			DocumentLinks:    sc.Discovery.DocumentLinks,
			DocumentPatterns: sc.Discovery.DocumentPatterns,
			NextSelectors:    sc.Discovery.Pagination.NextSelectors,
			UseBrowser:       sc.Fetch.UseBrowser,
		}
		go func(src discovery.SourceConfig) {
			if err := discoveryEngine.Run(ctx, src, 15*time.Second); err != nil && ctx.Err() == nil {
				logger.Error("discovery engine stopped", "source", src.Name, "error", err)
			}
		}(src)
	}

	pub.SetState("running", "")

	handler := status.NewHandler(cat, registry)
	srv := &http.Server{
		Addr:              ":" + env("PORT", "8085"),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("status server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	pub.SetState("stopped", "")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	_ = pub.PublishOnce(shutdownCtx)
	logger.Info("stopped")
}

// newLimiter builds the rate limiter C3 uses to throttle per-host
// fetches: Redis-backed when REDIS_URL is set, so multiple worker
// processes share one politeness budget, otherwise an in-process
// limiter for a single-instance deployment.
func newLimiter(logger *slog.Logger) (ratelimit.Limiter, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return ratelimit.NewLocal(ratelimit.LocalConfig{Logger: logger}), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return ratelimit.NewShared(client, ratelimit.SharedConfig{Logger: logger}), nil
}

// newSelector builds the transport.Selector C4 routes fetches through:
// always a direct transport, plus SOCKS and browser transports when the
// corresponding environment variables are set.
func newSelector(logger *slog.Logger) (*transport.Selector, error) {
	directCfg := transport.DirectConfig{}
	if env("FOIACQUIRE_DIRECT", "") == "insecure" {
		// Disables SSRF URL validation for direct fetches — only meant
		// for trusted test/dev environments (e.g. fetching from
		// localhost fixtures), never production.
		directCfg.URLValidator = func(string) error { return nil }
	}
	direct := transport.NewDirect(directCfg)

	var socksTr transport.Transport
	if proxyAddr := os.Getenv("SOCKS_PROXY"); proxyAddr != "" {
		socks, err := transport.NewSOCKS(transport.SOCKSConfig{ProxyAddr: proxyAddr})
		if err != nil {
			return nil, fmt.Errorf("build socks transport: %w", err)
		}
		socksTr = socks
	}

	var browserTr transport.Transport
	if browserURL := os.Getenv("BROWSER_URL"); browserURL != "" {
		browser, err := transport.NewBrowser(transport.BrowserConfig{
			Endpoints: []string{browserURL},
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build browser transport: %w", err)
		}
		browserTr = browser
	}

	return transport.NewSelector(direct, socksTr, browserTr), nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
