package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/penpost/backend/internal/config"
	"github.com/penpost/backend/internal/handler"
	appMiddleware "github.com/penpost/backend/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type routes struct {
	health  *handler.HealthHandler
	plans   *handler.PlansHandler
	payment *handler.PaymentHandler
	webhook *handler.WebhookHandler
	admin   *handler.AdminHandler
	auth    appMiddleware.TokenVerifier
}

func newRouter(ctx context.Context, cfg *config.Config, h routes, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(appMiddleware.Recovery(logger))
	r.Use(appMiddleware.Logger(logger.Named("http")))

	r.Get("/health", h.health.Check)
	r.Handle("/metrics", promhttp.Handler())

	// Gateway notifications. Gateways burst on redelivery, so they get their
	// own, more generous bucket and no CORS.
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.NewRateLimiter(ctx, 50, 200).Middleware())
		r.Post("/api/payment/webhooks/{gateway}", h.webhook.Handle)
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		// Global rate limiter (20 req/sec per IP, burst of 40)
		r.Use(appMiddleware.NewRateLimiter(ctx, 20, 40).Middleware())

		r.Get("/api/plans", h.plans.List)
		r.Get("/api/plans/{id}", h.plans.Get)

		// Protected API routes
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.Auth(h.auth))

			r.With(appMiddleware.StrictRateLimiter(ctx)).Post("/api/payment/checkout", h.payment.CreateCheckout)
			r.Get("/api/payment/subscription", h.payment.GetSubscription)
			r.Get("/api/payment/orders/{id}", h.payment.GetOrder)

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(appMiddleware.AdminOnly)
				r.Post("/api/admin/orders/{id}/reconcile", h.admin.ReconcileOrder)
				r.Post("/api/admin/reconcile", h.admin.RunSweep)
				r.Get("/api/admin/anomalies", h.admin.ListAnomalies)
			})
		})
	})

	return r
}
