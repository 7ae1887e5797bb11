package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"courier/pkg/platform/middleware/auth"
	"courier/pkg/platform/middleware/request"
)

// RouteRegistrar mounts a feature's routes.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// Config collects what the router needs from the process wiring.
type Config struct {
	Logger       *slog.Logger
	Metrics      *request.Metrics
	MaxBodyBytes int64
	Validator    auth.JWTValidator

	// Probes are mounted without authentication.
	Probes RouteRegistrar
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// API routes sit behind bearer authentication.
	API []RouteRegistrar
}

// NewRouter builds the public HTTP surface.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(request.Recovery(cfg.Logger))
	r.Use(request.RequestID)
	r.Use(request.Logger(cfg.Logger))
	r.Use(request.Latency(cfg.Metrics))

	if cfg.Probes != nil {
		cfg.Probes.Register(r)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(request.BodyLimit(cfg.MaxBodyBytes))
		r.Use(request.ContentTypeJSON)
		r.Use(auth.RequireAuth(cfg.Validator, cfg.Logger))
		for _, api := range cfg.API {
			api.Register(r)
		}
	})

	return r
}
