package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/health/internal/config"
	"example.com/health/internal/outbox"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	logger := log.New(os.Stdout, "[health-dlq] ", log.LstdFlags)
	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay,
		outbox.WithDLQLogger(logger),
		outbox.WithMaxBackoff(cfg.DLQMaxBackoff),
	)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	logger.Printf("replaying health events (interval=%s, maxRetries=%d, maxBackoff=%s, batch=%d)",
		cfg.DLQPollInterval, cfg.DLQMaxRetries, cfg.DLQMaxBackoff, cfg.DLQBatchSize)

	ticker := time.NewTicker(cfg.DLQPollInterval)
	defer ticker.Stop()

	// Drain what accumulated while the manager was down before waiting a full interval.
	runPass(ctx, logger, manager, cfg.DLQBatchSize)
	for {
		select {
		case <-ctx.Done():
			logger.Println("shutdown requested")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Printf("metrics server shutdown error: %v", err)
			}
			return
		case <-ticker.C:
			runPass(ctx, logger, manager, cfg.DLQBatchSize)
		}
	}
}

func runPass(ctx context.Context, logger *log.Logger, manager *outbox.DLQManager, batchSize int) {
	stats, err := manager.RunOnce(ctx, batchSize)
	if err != nil && ctx.Err() == nil {
		logger.Printf("dlq pass failed: %v", err)
	}
	if stats.Total() > 0 {
		logger.Printf("dlq pass requeued=%d retried=%d quarantined=%d", stats.Requeued, stats.Retried, stats.Quarantined)
	}
}
