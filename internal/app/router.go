// Package app assembles the HTTP router and shared readiness checks for the
// server binary.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/aeropartners/aeropartners/internal/adapter/httpserver"
	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/saga/crear-campana-completa", srv.StartSagaHandler())
		wr.Post("/event-collector/events", srv.IngestEventHandler())
		wr.Post("/event-collector/events/{id}/retry", srv.RetryEventHandler())
		wr.Post("/reporting/admin/servicio-datos", srv.UpdateDataServiceHandler())
	})

	// Read-only endpoints
	r.Get("/saga/{id}/status", srv.SagaStatusHandler())
	r.Get("/saga/", srv.ListSagasHandler())
	r.Get("/saga/admin/outbox", srv.OutboxStatsHandler())
	r.Get("/reporting/admin/configuracion", srv.GetDataServiceConfigHandler())
	r.Get("/event-collector/events/{id}/status", srv.EventStatusHandler())
	r.Get("/event-collector/rate-limit/{affiliate}", srv.RateLimitHandler())

	// Destructive endpoints stay out of prod.
	if !cfg.IsProd() {
		r.Delete("/saga/cleanup", srv.CleanupSagasHandler())
		r.Delete("/saga/{id}", srv.DeleteSagaHandler())
	}

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
