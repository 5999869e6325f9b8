// Package app wires application components and startup helpers shared by
// the service binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/fairyhunter13/product-video-matcher/internal/adapter/httpserver"
	"github.com/fairyhunter13/product-video-matcher/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.Metrics())
	r.Use(httpserver.AccessLog())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(httpserver.NotFound)
	r.MethodNotAllowed(httpserver.MethodNotAllowed)

	// Mutating endpoints are rate limited per client IP; status polling and
	// file serving are not.
	r.Group(func(mr chi.Router) {
		mr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		mr.Post("/v1/jobs", srv.StartJobHandler())
		mr.Post("/v1/jobs/{jobID}/cancel", srv.CancelHandler())
		mr.Delete("/v1/jobs/{jobID}", srv.DeleteHandler())
	})
	srv.MountReadOnly(r)

	return httpserver.SecurityHeaders(r)
}
