package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sfalkner/gridobs/internal/config"
	"github.com/sfalkner/gridobs/pkg/logger"
)

// NewRouter builds the HTTP router for the API surface.
func NewRouter(handler *Handler, cfg *config.Config, log *logger.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", handler.GetStatus)
		r.Get("/ws", handler.HandleWebSocket)

		r.Post("/grid/values", handler.GetGridValues)
		r.Post("/grid/values/idw", handler.GetGridValuesIDW)
		r.Post("/grid/area", handler.GetGridArea)
		r.Post("/stations/values", handler.GetStationValues)

		r.Post("/alignment/run", handler.RunAlignment)
		r.Get("/alignment/runs", handler.ListAlignmentRuns)
		r.Get("/alignment/runs/{id}/metrics", handler.GetAlignmentRunMetrics)
		r.Get("/alignment/runs/{id}/rows", handler.GetAlignmentRunRows)
	})

	return r
}

// requestLogger logs one line per request after it completes.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("Request completed",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Duration("duration", time.Since(start)))
		})
	}
}

// corsMiddleware applies the configured allowed origins. An empty list
// disables cross-origin access; "*" allows everything.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
