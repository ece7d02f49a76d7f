/**
 * @description
 * This is the main entry point for the billing scheduler.
 * This is a non-HTTP, long-running process that re-evaluates subscription status and expires
 * stale payment requests on cron schedules.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/restoplatform/billing-service/internal/app"
	"github.com/restoplatform/billing-service/internal/config"
	"github.com/restoplatform/billing-service/internal/scheduler"
	"github.com/restoplatform/billing-service/internal/store"
	"github.com/restoplatform/billing-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	// Load application configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	repository, closeStore, err := store.Open(context.Background(), store.OpenOptions{
		Driver:      cfg.StorageDriver,
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DatabaseMaxConns,
		AutoMigrate: cfg.DatabaseAutoMigrate,
	}, logger)
	if err != nil {
		logger.Error("unable to open storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Status changes and expiries are published like any other billing event.
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		} else {
			publisher = producer
		}
	}
	defer publisher.Close()

	deps := app.Dependencies{
		Repository:     repository,
		Clock:          app.SystemClock{},
		Publisher:      publisher,
		EventsExchange: cfg.EventsExchange,
		Logger:         logger,
	}
	subscriptions := app.NewSubscriptions(deps, cfg.TrialDays)
	reconciliation := app.NewReconciliation(deps, app.ReconciliationSettings{
		DefaultRenewalDays: cfg.DefaultRenewalDays,
		PendingTTL:         cfg.PaymentRequestTTL(),
	})

	jobs := scheduler.NewJobs(subscriptions, reconciliation, logger, cfg.JobTimeout())
	cron := scheduler.NewScheduler(jobs, logger, scheduler.Schedules{
		EvaluateSubscriptions: cfg.EvaluateSubscriptionsSchedule,
		ExpirePaymentRequests: cfg.ExpirePaymentRequestsSchedule,
	})

	if err := cron.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "jobs", cron.Entries())

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-cron.Stop().Done() // Wait for running jobs to finish
	logger.Info("scheduler stopped gracefully")
}
