/**
 * @description
 * This file sets up the HTTP router for the fulfillment-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics exposition handler.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FulfillmentRoutes creates and returns a new router for the fulfillment service.
func FulfillmentRoutes(h *FulfillmentHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Prometheus exposition
	r.Handle("/metrics", promhttp.Handler())

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Purchase and history endpoints
		r.Post("/orders", h.PurchaseHandler)
		r.Get("/orders", h.ListOrdersHandler)
		r.Get("/orders/{reference}", h.GetOrderHandler)
		r.Get("/wallet", h.WalletHandler)
		r.Get("/inventory", h.ListInventoryHandler)

		// Admin surface; each handler re-checks the account role.
		r.Route("/admin", func(r chi.Router) {
			r.Post("/orders/range-update/preview", h.PreviewRangeUpdateHandler)
			r.Post("/orders/range-update/execute", h.ExecuteRangeUpdateHandler)
			r.Get("/inventory", h.AdminListInventoryHandler)
			r.Get("/inventory/{network}", h.GetInventoryHandler)
			r.Put("/inventory/{network}", h.UpdateInventoryHandler)
			r.Post("/accounts/{id}/adjust", h.ManualAdjustHandler)
			r.Post("/reconcile", h.ReconcileNowHandler)
		})
	})

	return r
}
