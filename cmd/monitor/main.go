package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"catalogmon/internal/api"
	"catalogmon/internal/config"
	"catalogmon/internal/detector"
	"catalogmon/internal/fetcher"
	"catalogmon/internal/monitoring"
	"catalogmon/internal/scheduler"
	"catalogmon/internal/storage"
	"catalogmon/internal/tracker"
)

func main() {
	// Initialize structured logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("could not load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Storage Layer
	cache := storage.NewSnapshotCache(cfg.RedisAddr, cfg.SnapshotCacheTTL())
	store, err := storage.NewPostgresStore(ctx, cfg.PostgresURL, cache)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()

	// Initialize Monitoring
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Initialize Core Pipeline
	fetch := fetcher.New(fetcher.Options{
		BaseURL:    cfg.CatalogURL,
		PageSize:   cfg.PageSize,
		Workers:    cfg.FetchWorkers,
		BatchSize:  cfg.FetchBatchSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay(),
		BatchDelay: cfg.BatchDelay(),
		Timeout:    time.Duration(cfg.RequestTimeout) * time.Second,
	}, metrics, logger)

	detect := detector.New(store, cfg.PriceDropThreshold, metrics, logger)
	track := tracker.New(store, logger)

	sched := scheduler.New(store, fetch, detect, track, metrics, logger, scheduler.Options{
		MaxPages:         cfg.MaxPages,
		InactiveAfter:    time.Duration(cfg.InactiveAfterHours) * time.Hour,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		ZombieTimeout:    cfg.ZombieTimeout(),
		Retention:        cfg.Retention(),
		ScrapeSpec:       cfg.ScrapeCron,
		ReportSpec:       cfg.ReportCron,
		CleanupSpec:      cfg.CleanupCron,
	})

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("could not start scheduler", zap.Error(err))
	}

	// Initialize API Server
	server := api.NewServer(cfg.ServerPort, store, store, cache, sched, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.ServerPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Let an in-flight run drain before tearing down its context; past
	// the drain window the run is cut short and finalized on the way out.
	drained := make(chan struct{})
	go func() {
		sched.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn("drain window elapsed, cancelling in-flight run")
		cancel()
		<-drained
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	if err := cache.Close(); err != nil {
		logger.Warn("failed to close redis client", zap.Error(err))
	}

	logger.Info("server exiting")
}
