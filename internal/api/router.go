package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter configures the API surface: pacing endpoints under /api,
// health check at the root.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Post("/messages", h.SendMessage)
			r.Post("/replies", h.SendReply)
			r.Post("/scheduled", h.ScheduleMessage)

			r.Get("/queue", h.QueueStatus)
			r.Get("/queue/items", h.ListQueueItems)
			r.Delete("/queue", h.CancelAllWaiting)
		})

		r.Route("/messages/{messageID}", func(r chi.Router) {
			r.Get("/", h.GetMessage)
			r.Delete("/", h.CancelMessage)
		})
	})

	return r
}
