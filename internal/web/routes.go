package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/photo-faces/internal/web/handlers"
)

// requestTimeout bounds every request except the event streams.
const requestTimeout = time.Minute

func (s *Server) setupRoutes() {
	clustersHandler := handlers.NewClustersHandler(s.service, s.logger)
	trainingHandler := handlers.NewTrainingHandler(s.service, s.logger)
	facesHandler := handlers.NewFacesHandler(s.service, s.logger)
	consistencyHandler := handlers.NewConsistencyHandler(s.service, s.logger)
	jobsHandler := handlers.NewJobsHandler(s.service, s.logger)
	configHandler := handlers.NewConfigHandler(s.config)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Long lived server-sent events
		r.Get("/jobs/{jobId}/events", jobsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			r.Get("/config", configHandler.Get)

			// Clusters
			r.Post("/clusters", clustersHandler.Run)
			r.Get("/clusters", clustersHandler.List)
			r.Get("/clusters/{id}", clustersHandler.Get)
			r.Post("/clusters/{id}/review", clustersHandler.Review)
			r.Post("/clusters/{id}/assign", clustersHandler.Assign)

			// Training
			r.Post("/people/{id}/train", trainingHandler.Train)
			r.Get("/people/{id}/training", trainingHandler.Stats)
			r.Delete("/people/{id}/training", trainingHandler.Reset)
			r.Get("/people/{id}/training/log", trainingHandler.Log)
			r.Post("/training/scheduled", trainingHandler.Scheduled)

			// Faces
			r.Put("/faces/{id}/assignment", facesHandler.SetAssignment)
			r.Delete("/faces/{id}/assignment", facesHandler.ClearAssignment)
			r.Delete("/faces/{id}", facesHandler.Delete)

			// Consistency and recognition
			r.Post("/consistency", consistencyHandler.Check)
			r.Post("/recognize", consistencyHandler.Recognize)

			// Jobs
			r.Get("/jobs", jobsHandler.List)
			r.Get("/jobs/{jobId}", jobsHandler.Get)
			r.Delete("/jobs/{jobId}", jobsHandler.Cancel)
		})
	})
}
