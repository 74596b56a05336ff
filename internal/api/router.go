package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/telemedicine-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service *appointment.Service
	Logger  *zap.Logger
	Metrics *Metrics
	Checks  []Check
	Env     string
	Version string

	// Validator enables bearer token auth. Nil falls back to gateway headers.
	Validator *TokenValidator

	// AllowedOrigins for browser clients. Empty disables CORS headers.
	AllowedOrigins []string

	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit int
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(cfg.Metrics.Middleware)

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
			ExposedHeaders: []string{"X-Request-ID"},
			// credentials only for an explicit origin list
			AllowCredentials: !slices.Contains(cfg.AllowedOrigins, "*"),
			MaxAge:           300,
		}))
	}

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	h := NewHandler(cfg.Service, cfg.Metrics, cfg.Logger)

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Second))
		}
		r.Use(AuthMiddleware(cfg.Validator))

		r.Get("/availability", h.GetAvailability)
		r.Put("/availability", h.SetAvailability)

		r.Post("/appointments/hold", h.Hold)
		r.Delete("/appointments/hold/{token}", h.ReleaseHold)

		r.Post("/appointments", h.Book)
		r.Get("/appointments", h.ListAppointments)
		r.Get("/appointments/{id}", h.GetAppointment)
		r.Patch("/appointments/{id}/status", h.UpdateStatus)
		r.Patch("/appointments/{id}/payment", h.UpdatePayment)
		r.Post("/appointments/{id}/reschedule", h.Reschedule)
		r.Get("/appointments/{id}/follow-up-eligibility", h.FollowUpEligibility)
		r.Get("/appointments/{id}/chain", h.Chain)
	})

	return r
}
