/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/participants/*   Participant management, history, source data
  /api/plans/*          Plan management, attachments, runs, summaries
  /api/computations/*   Computation definition management
  /api/source-data      Bulk metric ingest

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Participant routes
		r.Route("/participants", func(r chi.Router) {
			r.Get("/", h.ListParticipants)
			r.Post("/", h.CreateParticipant)
			r.Get("/{id}", h.GetParticipant)
			r.Put("/{id}", h.UpdateParticipant)
			r.Get("/{id}/payouts", h.GetPayoutHistory)
			r.Get("/{id}/payout-summary", h.GetPayoutSummary)
			r.Get("/{id}/source-data", h.GetSourceData)
		})

		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Put("/{id}", h.UpdatePlan)
			r.Post("/{id}/participants", h.AttachParticipant)
			r.Delete("/{id}/participants/{pid}", h.DetachParticipant)
			r.Post("/{id}/computations", h.AttachComputation)
			r.Delete("/{id}/computations/{cid}", h.DetachComputation)
			r.Post("/{id}/run-computations", h.RunPlan)
			r.Get("/{id}/summary", h.GetRunSummary)
		})

		// Computation routes
		r.Route("/computations", func(r chi.Router) {
			r.Get("/", h.ListComputations)
			r.Post("/", h.CreateComputation)
			r.Get("/{id}", h.GetComputation)
			r.Put("/{id}", h.UpdateComputation)
			r.Delete("/{id}", h.DeleteComputation)
		})

		// Source data ingest
		r.Post("/source-data", h.IngestSourceData)

		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
