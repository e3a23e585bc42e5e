// Package main provides the API server entry point for the market aggregator service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/market-aggregator/internal/adapter"
	"github.com/market-aggregator/internal/api"
	"github.com/market-aggregator/internal/circuitbreaker"
	"github.com/market-aggregator/internal/config"
	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/normalize"
	"github.com/market-aggregator/internal/observability"
	"github.com/market-aggregator/internal/ratelimit"
	"github.com/market-aggregator/internal/service"
	"github.com/market-aggregator/internal/storage"
	"github.com/market-aggregator/internal/subgraph"
	"github.com/market-aggregator/internal/worker"
)

func main() {
	if err := run(); err != nil {
		logging.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	metrics := observability.NewMetrics("market_aggregator")
	breakers := circuitbreaker.NewManager()

	// Cache store: Redis when enabled, otherwise an in-process map
	var store storage.Store
	var redisCache *storage.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = storage.NewRedisCache(&cfg.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		store = redisCache
		logger.WithFields(map[string]interface{}{
			"host": cfg.Redis.Host,
			"port": cfg.Redis.Port,
		}).Info("Redis cache connected")
	} else {
		memory := storage.NewMemoryCache(time.Now)
		go sweepMemoryCache(ctx, memory, time.Minute)
		store = memory
		logger.Info("Redis disabled, using in-memory cache")
	}
	defer store.Close()
	cache := storage.NewCacheService(store, metrics)

	// Indexer client, metered by the shared query budget when Redis is available
	client := subgraph.NewClient(&cfg.Subgraph, breakers, metrics)
	var budget *ratelimit.QueryBudget
	if cfg.Subgraph.BudgetTotal > 0 {
		if redisCache == nil {
			logger.Warn("SUBGRAPH_BUDGET needs Redis, running without a shared query budget")
		} else {
			budget, err = ratelimit.NewQueryBudget(&ratelimit.QueryBudgetConfig{
				Redis:    redisCache.Client(),
				Total:    cfg.Subgraph.BudgetTotal,
				Reserved: cfg.Subgraph.BudgetReserved,
				Window:   cfg.Subgraph.BudgetWindow,
			})
			if err != nil {
				logger.WithError(err).Fatal("Failed to create query budget")
			}
			client.WithBudget(budget)
			logger.WithFields(map[string]interface{}{
				"total":    cfg.Subgraph.BudgetTotal,
				"reserved": cfg.Subgraph.BudgetReserved,
				"window":   cfg.Subgraph.BudgetWindow.String(),
			}).Info("Shared indexer query budget enabled")
		}
	}

	svc := service.NewMarketService(service.Options{
		Reader:     subgraph.NewReader(client, cfg.Subgraph.PageSize, metrics),
		Normalizer: normalize.New(metrics),
		Cache:      cache,
		CacheTTL:   cfg.Cache,
		Trades:     cfg.Trades,
		Stats:      cfg.Stats,
		Prices:     adapter.NewPriceFeed(&cfg.PriceFeed, breakers, metrics),
		Game:       adapter.NewGameClient(&cfg.GameAPI, breakers, metrics),
		Metrics:    metrics,
	})

	var warmer *worker.StatsWarmer
	if cfg.Worker.StatsWarmEnabled {
		warmer, err = worker.NewStatsWarmer(&worker.StatsWarmerConfig{
			Source:   svc,
			Interval: cfg.Worker.StatsWarmInterval,
			Metrics:  metrics,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create stats warmer")
		}
		if err := warmer.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start stats warmer")
		}
	}

	deps := api.Dependencies{
		Service:  svc,
		Cache:    cache,
		Breakers: breakers,
		Metrics:  metrics,
		Logger:   logger,
	}
	if warmer != nil {
		deps.Warmer = warmer
	}
	if budget != nil {
		deps.Budget = budget
	}
	server := api.NewServer(cfg, deps)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		logger.WithError(runErr).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownCtx = logging.WithLogger(shutdownCtx, logger)

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if warmer != nil {
		if err := warmer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Stats warmer did not stop cleanly")
		}
	}

	logger.Info("Server exited")
	return runErr
}

func sweepMemoryCache(ctx context.Context, cache *storage.MemoryCache, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.Sweep(); n > 0 {
				logging.FromContext(ctx).WithField("evicted", n).Debug("Swept expired cache entries")
			}
		}
	}
}
