// Package server exposes the polling HTTP/JSON API: submit surfaces,
// query surface, cancellation, log tails, health, and metrics.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the API routes over the handler.
func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.SubmitTask)
			r.Get("/", h.ListTasks)
			r.Get("/{id}", h.GetTask)
			r.Post("/{id}/cancel", h.CancelTask)
			r.Get("/{id}/logs", h.TaskLogs)
		})

		// Strict admission for machine/tool clients.
		r.Post("/mcp/tasks", h.SubmitTaskStrict)

		r.Route("/orchestrations", func(r chi.Router) {
			r.Post("/", h.SubmitOrchestration)
			r.Get("/", h.ListOrchestrations)
			r.Get("/{id}", h.GetOrchestration)
			r.Post("/{id}/cancel", h.CancelOrchestration)
		})
	})

	return r
}
