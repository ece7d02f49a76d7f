/**
 * @description
 * This package handles the configuration management for the billing service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalises values that have safe fallbacks.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all the configuration variables for the billing service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	StorageDriver                 string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns              int32  `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseAutoMigrate           bool   `mapstructure:"DATABASE_AUTO_MIGRATE"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix                string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                string `mapstructure:"EVENTS_EXCHANGE"`
	GatewayEventQueue             string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	JWTSigningKey                 string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer                     string `mapstructure:"JWT_ISSUER"`
	JWKSURL                       string `mapstructure:"JWKS_URL"`
	TrialDays                     int    `mapstructure:"TRIAL_DAYS"`
	DefaultRenewalDays            int    `mapstructure:"DEFAULT_RENEWAL_DAYS"`
	PaymentRequestTTLHours        int    `mapstructure:"PAYMENT_REQUEST_TTL_HOURS"`
	EvaluateSubscriptionsSchedule string `mapstructure:"EVALUATE_SUBSCRIPTIONS_SCHEDULE"`
	ExpirePaymentRequestsSchedule string `mapstructure:"EXPIRE_PAYMENT_REQUESTS_SCHEDULE"`
	JobTimeoutSeconds             int    `mapstructure:"JOB_TIMEOUT_SECONDS"`
	IdempotencyTTLMinutes         int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	MutationRateLimitPerMinute    int    `mapstructure:"MUTATION_RATE_LIMIT_PER_MINUTE"`
	LogLevel                      string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"SERVER_PORT",
	"STORAGE_DRIVER",
	"DATABASE_URL",
	"DATABASE_MAX_CONNS",
	"DATABASE_AUTO_MIGRATE",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"RABBITMQ_URL",
	"EVENTS_EXCHANGE",
	"GATEWAY_EVENT_QUEUE",
	"JWT_SIGNING_KEY",
	"JWT_ISSUER",
	"JWKS_URL",
	"TRIAL_DAYS",
	"DEFAULT_RENEWAL_DAYS",
	"PAYMENT_REQUEST_TTL_HOURS",
	"EVALUATE_SUBSCRIPTIONS_SCHEDULE",
	"EXPIRE_PAYMENT_REQUESTS_SCHEDULE",
	"JOB_TIMEOUT_SECONDS",
	"IDEMPOTENCY_TTL_MINUTES",
	"MUTATION_RATE_LIMIT_PER_MINUTE",
	"LOG_LEVEL",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("DATABASE_MAX_CONNS", 20)
	viper.SetDefault("DATABASE_AUTO_MIGRATE", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "billing")
	viper.SetDefault("EVENTS_EXCHANGE", "billing.events")
	viper.SetDefault("GATEWAY_EVENT_QUEUE", "billing_service.gateway_payments")
	viper.SetDefault("JWT_ISSUER", "")
	viper.SetDefault("TRIAL_DAYS", 14)
	viper.SetDefault("DEFAULT_RENEWAL_DAYS", 30)
	viper.SetDefault("PAYMENT_REQUEST_TTL_HOURS", 72)
	viper.SetDefault("EVALUATE_SUBSCRIPTIONS_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("EXPIRE_PAYMENT_REQUESTS_SCHEDULE", "0 * * * *")
	viper.SetDefault("JOB_TIMEOUT_SECONDS", 300)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("MUTATION_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	normalize(&config)
	err = config.Validate()
	return
}

func normalize(config *Config) {
	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.JWTSigningKey = strings.TrimSpace(config.JWTSigningKey)
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)

	config.RedisKeyPrefix = strings.Trim(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "billing"
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = "billing.events"
	}
	if strings.TrimSpace(config.GatewayEventQueue) == "" {
		config.GatewayEventQueue = "billing_service.gateway_payments"
	}
	if config.DatabaseMaxConns <= 0 {
		slog.Warn("non-positive DATABASE_MAX_CONNS; using default", "component", "config", "value", config.DatabaseMaxConns)
		config.DatabaseMaxConns = 20
	}
	if config.TrialDays <= 0 {
		slog.Warn("non-positive TRIAL_DAYS; using default", "component", "config", "value", config.TrialDays)
		config.TrialDays = 14
	}
	if config.DefaultRenewalDays <= 0 {
		slog.Warn("non-positive DEFAULT_RENEWAL_DAYS; using default", "component", "config", "value", config.DefaultRenewalDays)
		config.DefaultRenewalDays = 30
	}
	if config.PaymentRequestTTLHours <= 0 {
		slog.Warn("non-positive PAYMENT_REQUEST_TTL_HOURS; using default", "component", "config", "value", config.PaymentRequestTTLHours)
		config.PaymentRequestTTLHours = 72
	}
	if config.JobTimeoutSeconds <= 0 {
		config.JobTimeoutSeconds = 300
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.MutationRateLimitPerMinute <= 0 {
		config.MutationRateLimitPerMinute = 60
	}
	if strings.TrimSpace(config.EvaluateSubscriptionsSchedule) == "" {
		config.EvaluateSubscriptionsSchedule = "*/15 * * * *"
	}
	if strings.TrimSpace(config.ExpirePaymentRequestsSchedule) == "" {
		config.ExpirePaymentRequestsSchedule = "0 * * * *"
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORAGE_DRIVER=postgres"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver))
	}
	return errors.Join(errs...)
}

// PaymentRequestTTL is how long a PENDING request may wait before it expires.
func (c Config) PaymentRequestTTL() time.Duration {
	return time.Duration(c.PaymentRequestTTLHours) * time.Hour
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
