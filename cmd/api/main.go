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

	"example.com/health/internal/api"
	"example.com/health/internal/auth"
	"example.com/health/internal/cache"
	"example.com/health/internal/config"
	"example.com/health/internal/domain"
	"example.com/health/internal/normalize"
	"example.com/health/internal/outbox"
	"example.com/health/internal/persistence/postgres"
	httptransport "example.com/health/internal/transport/http"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[health] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	normalizer, err := normalize.NewForZone(cfg.CanonicalTimezone)
	if err != nil {
		log.Fatalf("invalid canonical timezone %q: %v", cfg.CanonicalTimezone, err)
	}

	redisStore := cache.NewRedisStore(cache.RedisConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	defer redisStore.Close()
	if err := redisStore.Ping(ctx); err != nil {
		// Reads fall back to recomputation while the cache is down.
		logger.Printf("redis unavailable at startup: %v", err)
	}
	aggregates := cache.NewAggregates(redisStore, cache.WithTTLs(cfg.CacheDailyTTL, cfg.CacheMonthlyTTL))

	outboxLogger := log.New(os.Stdout, "[outbox] ", log.LstdFlags)
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, outbox.WithErrorLogger(outboxLogger))
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(outboxLogger))

	if err := dispatcher.RegisterSchemas(ctx); err != nil {
		outboxLogger.Printf("schema registration deferred to first delivery: %v", err)
	}
	go dispatcher.Start(ctx)

	opts := []domain.Option{
		domain.WithLogger(logger),
		domain.WithNormalizer(normalizer),
		domain.WithEventRecorder(postgres.NewOutboxRecorder(pool)),
	}
	if cfg.SerializeIngest {
		opts = append(opts, domain.WithSerializedIngest())
	}
	service := domain.NewService(postgres.NewEntryStore(pool), aggregates, opts...)

	handler := api.NewHandler(service)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:           cfg.HTTPAddress,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, httptransport.Chain(mux,
		httptransport.RequestLogger(logger),
		httptransport.CORS(cfg.CORSOrigin),
		authMiddleware.Wrap,
	))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("health-service listening on %s (zone=%s)", cfg.HTTPAddress, normalizer.Location())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}
