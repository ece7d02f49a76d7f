/**
 * @description
 * This file sets up the HTTP router for the billing service. It defines the API endpoints,
 * associates them with their handlers, and applies middleware for logging, CORS,
 * authentication, rate limiting and idempotent retries.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for chi.
 */

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional middleware collaborators.
type RouterOptions struct {
	RateLimiter                RateLimiter
	MutationRateLimitPerMinute int
	Idempotency                IdempotencyStore
	IdempotencyTTL             time.Duration
	Logger                     *slog.Logger
}

// NewRouter creates the root router with the health check and the /billing routes.
func NewRouter(h *Handler, verifier *TokenVerifier, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}

	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-Idempotency-Hit"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/billing", func(r chi.Router) {
		r.Use(AuthMiddleware(verifier))
		r.Use(RateLimitMiddleware(opts.RateLimiter, opts.MutationRateLimitPerMinute, logger))
		r.Use(IdempotencyMiddleware(opts.Idempotency, opts.IdempotencyTTL, logger))

		r.Post("/merchants", h.ProvisionMerchantHandler)
		r.Post("/transfers", h.CreateTransferHandler)

		r.Route("/merchants/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalanceHandler)
			r.Get("/transactions", h.ListTransactionsHandler)
			r.Post("/adjustments", h.CreateAdjustmentHandler)
			r.Put("/currency", h.ChangeCurrencyHandler)
			r.Get("/payment-requests", h.ListPaymentRequestsHandler)

			r.Get("/subscription", h.GetSubscriptionHandler)
			r.Post("/subscription/extend", h.ExtendSubscriptionHandler)
			r.Post("/subscription/suspend", h.SuspendSubscriptionHandler)
			r.Post("/subscription/activate", h.ActivateSubscriptionHandler)
			r.Post("/subscription/cancel", h.CancelSubscriptionHandler)
			r.Post("/subscription/plan", h.ChangePlanHandler)
		})

		r.Route("/payment-requests/{id}", func(r chi.Router) {
			r.Get("/", h.GetPaymentRequestHandler)
			r.Post("/confirm", h.ConfirmPaymentRequestHandler)
			r.Post("/verify", h.VerifyPaymentRequestHandler)
			r.Post("/reject", h.RejectPaymentRequestHandler)
		})
	})

	return r
}
