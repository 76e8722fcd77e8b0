package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panierlocal/surplus-reservations/internal/observability"
	"github.com/panierlocal/surplus-reservations/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)
	r.Use(AuthMiddleware)
	r.Use(RateLimitMiddleware(rl))

	r.Get("/v1/lots", h.DiscoverLots)
	r.Post("/v1/lots", h.CreateLot)
	r.Post("/v1/lots/{id}/withdraw", h.WithdrawLot)
	r.Get("/v1/merchants/{id}", h.GetMerchant)

	// Reservation creation replays through the idempotency store; a
	// retried request must not hold stock twice.
	r.Group(func(r chi.Router) {
		r.Use(IdempotencyKeyMiddleware)
		r.Post("/v1/reservations", h.CreateReservation)
		r.Post("/v1/carts", h.CreateCart)
	})

	r.Get("/v1/reservations/{id}", h.GetReservation)
	r.Post("/v1/reservations/{id}/cancel", h.CancelReservation)
	r.Post("/v1/reservations/{id}/confirm", h.ConfirmReceipt)
	r.Post("/v1/pickups", h.Pickup)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
