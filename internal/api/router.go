/**
 * @description
 * This file sets up the HTTP router for the payment observer. It exposes the health
 * report publicly and groups the operator endpoints behind the internal API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for operator dashboards calling the API from a browser.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ObserverRoutes creates and returns the router for the payment observer.
func ObserverRoutes(h *ObserverHandlers, internalAPIKey string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Internal-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/dead-letters", h.ListDeadLettersHandler)
		r.Post("/dead-letters/{id}/replay", h.ReplayDeadLetterHandler)

		r.Put("/streams/{account}", h.WatchAccountHandler)
		r.Delete("/streams/{account}", h.UnwatchAccountHandler)
	})

	return r
}
