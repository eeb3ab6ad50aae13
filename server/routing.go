package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/teranos/pulsecron/logger"
)

// Handler returns the router for the admin API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogContext)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.HandleHealth)
	r.Get("/api/stats", s.HandleStats)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.HandleListJobs)
		r.Post("/", s.HandleScheduleOnce)

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.HandleGetJob)
			r.Delete("/", s.HandleDeleteJob)
			r.Get("/executions", s.HandleJobExecutions)
			r.Post("/enable", s.HandleEnableJob)
			r.Post("/disable", s.HandleDisableJob)
			r.Post("/trigger", s.HandleTriggerJob)
		})
	})

	return r
}

// requestLogContext copies chi's request id into the logging context.
func requestLogContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger is the server logger carrying the request's log fields.
func (s *Server) requestLogger(r *http.Request) *zap.SugaredLogger {
	return logger.ChildLogger(s.logger, logger.FieldsFromContext(r.Context())...)
}
