/**
 * @description
 * This is the main entry point for the billing API. It loads configuration, opens storage,
 * connects the optional Redis and RabbitMQ collaborators, builds the ledger, subscription
 * and reconciliation services, subscribes to gateway payment events and serves the HTTP API.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Backing store for rate limits and idempotency keys.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/restoplatform/billing-service/internal/api"
	"github.com/restoplatform/billing-service/internal/app"
	"github.com/restoplatform/billing-service/internal/config"
	"github.com/restoplatform/billing-service/internal/store"
	"github.com/restoplatform/billing-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("starting billing api", "component", "bootstrap", "port", cfg.ServerPort, "storage", cfg.StorageDriver)

	ctx := context.Background()

	repository, closeStore, err := store.Open(ctx, store.OpenOptions{
		Driver:      cfg.StorageDriver,
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DatabaseMaxConns,
		AutoMigrate: cfg.DatabaseAutoMigrate,
	}, logger)
	if err != nil {
		logger.Error("storage init failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; events will not be published", "component", "bootstrap", "env", "RABBITMQ_URL")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected", "component", "bootstrap")
	}
	defer publisher.Close()

	var (
		rateLimiter api.RateLimiter
		idempotency api.IdempotencyStore
	)
	if redisClient := connectRedis(cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		rateLimiter = api.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		idempotency = api.NewRedisIdempotencyStore(redisClient, cfg.RedisKeyPrefix)
	}

	deps := app.Dependencies{
		Repository:     repository,
		Clock:          app.SystemClock{},
		Publisher:      publisher,
		EventsExchange: cfg.EventsExchange,
		Logger:         logger,
	}
	ledger := app.NewLedger(deps)
	subscriptions := app.NewSubscriptions(deps, cfg.TrialDays)
	reconciliation := app.NewReconciliation(deps, app.ReconciliationSettings{
		DefaultRenewalDays: cfg.DefaultRenewalDays,
		PendingTTL:         cfg.PaymentRequestTTL(),
	})

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		gateway := app.NewGatewayConsumer(reconciliation, logger)
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.GatewayEventQueue, gateway.Bindings()); err != nil {
			logger.Error("gateway consumer start failed", "component", "bootstrap", "error", err)
			os.Exit(1)
		}
		logger.Info("gateway consumer started", "component", "bootstrap", "queue", cfg.GatewayEventQueue)
	}

	verifier, err := api.NewTokenVerifier(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWKSURL)
	if err != nil {
		logger.Error("token verifier init failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(ledger, subscriptions, reconciliation, logger)
	router := api.NewRouter(handler, verifier, api.RouterOptions{
		RateLimiter:                rateLimiter,
		MutationRateLimitPerMinute: cfg.MutationRateLimitPerMinute,
		Idempotency:                idempotency,
		IdempotencyTTL:             cfg.IdempotencyTTL(),
		Logger:                     logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	logger.Info("shutdown complete", "component", "http")
}

// connectRedis returns nil when Redis is not configured or unreachable. Rate limiting and
// idempotent retries are disabled in that case.
func connectRedis(redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("redis url missing; rate limiting and idempotency disabled", "component", "bootstrap", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; rate limiting and idempotency disabled", "component", "bootstrap", "error", err)
		return nil
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; rate limiting and idempotency disabled", "component", "bootstrap", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}
