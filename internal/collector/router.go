package collector

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// start resolves the channel before answering
	apiTimeout = 30 * time.Second

	startLimit       = 10
	startLimitWindow = time.Minute
)

// NewRouter mounts health checks, metrics and the ingest API.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// health checks and scrapes stay out of the access log
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/ingest", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(apiTimeout))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.With(httprate.LimitByIP(startLimit, startLimitWindow)).Post("/start", h.Start)
		r.Delete("/current", h.Stop)
		r.Get("/state", h.State)
		r.Post("/known-ids", h.AddKnownIDs)
	})

	return r
}
