package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synastry/matchd/internal/cache"
	"github.com/synastry/matchd/internal/config"
	"github.com/synastry/matchd/internal/logging"
	"github.com/synastry/matchd/internal/matching"
	"github.com/synastry/matchd/internal/metrics"
	"github.com/synastry/matchd/internal/server"
	"github.com/synastry/matchd/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "MATCHD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	tiered := buildCache(logger, recorder, cfg.Cache)
	defer func() {
		if tiered != nil {
			if err := tiered.Close(context.Background()); err != nil {
				logger.Warn("cache close failed", slog.Any("error", err))
			}
		}
	}()

	dialer, err := store.NewPgxDialer(cfg.Store.DSN)
	if err != nil {
		logger.Error("backing store configuration rejected", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := store.NewPool(ctx, store.Options{
		Dialer:             dialer,
		MinSize:            cfg.Store.Pool.MinSize,
		MaxSize:            cfg.Store.Pool.MaxSize,
		AcquireTimeout:     cfg.Store.Pool.AcquireTimeout,
		ConnectTimeout:     cfg.Store.Pool.ConnectTimeout,
		QueryTimeout:       cfg.Store.Pool.QueryTimeout,
		IdleTimeout:        cfg.Store.Pool.IdleTimeout,
		MaxRetries:         cfg.Store.Pool.MaxRetries,
		RetryDelay:         cfg.Store.Pool.RetryDelay,
		HealthInterval:     cfg.Store.Pool.HealthInterval,
		QueryCacheTTL:      cfg.Store.Pool.QueryCacheTTL,
		QueryCacheDisabled: cfg.Store.Pool.QueryCacheDisabled,
		Breaker: store.BreakerConfig{
			FailureThreshold: cfg.Store.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Store.Breaker.SuccessThreshold,
			OpenInterval:     cfg.Store.Breaker.OpenInterval,
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("connection pool setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := pool.Close(context.Background()); err != nil {
			logger.Warn("pool close failed", slog.Any("error", err))
		}
	}()

	client := store.NewClient(pool, cfg.Cache.TTL.Candidates)

	svc := matching.NewService(matching.ServiceOptions{
		Store:   client,
		Cache:   tiered,
		Config:  cfg.Matching,
		TTL:     cfg.Cache.TTL,
		Logger:  logger,
		Metrics: recorder,
	})
	svc.Start(ctx)

	watcher, err := loader.Watch(ctx,
		func(config.Config) {
			// Reloads keep the running wiring; cached pages built under the
			// previous configuration are dropped.
			if tiered != nil {
				flushed := tiered.Flush(context.Background(), "matchd:response:")
				logger.Info("configuration changed, response cache flushed", slog.Int("entries", flushed))
			}
		},
		func(err error) {
			logger.Warn("configuration reload rejected", slog.Any("error", err))
		},
	)
	if err != nil {
		logger.Warn("configuration watch unavailable", slog.Any("error", err))
	} else if watcher != nil {
		defer watcher.Stop()
	}

	handler := server.NewHandler(server.HandlerOptions{
		Matcher: svc,
		Pool:    pool,
		Metrics: recorder.Handler(),
		Logger:  logger,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("server setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("matchd starting",
		slog.String("address", cfg.Server.Listen.Address),
		slog.Int("port", cfg.Server.Listen.Port))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("matchd stopped")
}

// buildCache assembles the tiered cache. A missing or unreachable remote
// tier is not fatal: the pipeline runs degraded on L1 alone, or entirely
// uncached when the address is unset.
func buildCache(logger *slog.Logger, recorder *metrics.Recorder, cfg config.CacheConfig) *cache.Tiered {
	var remote cache.Store
	if cfg.Valkey.Address != "" {
		var err error
		remote, err = cache.NewValkey(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Warn("remote cache unavailable, running on the local tier only", slog.Any("error", err))
		}
	}

	return cache.NewTiered(cache.Options{
		L1:                 cache.NewMemory(cfg.L1.MemoryBudgetBytes),
		Store:              remote,
		AdmitThreshold:     cfg.L1.AdmitThreshold,
		PromotionThreshold: cfg.L1.PromotionThreshold,
		TagTTLExtension:    cfg.Tags.TTLExtension,
		Logger:             logger,
		Metrics:            recorder,
	})
}
