package http

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalix/driver/internal/auth"
	"github.com/signalix/driver/internal/http/handlers"
	"github.com/signalix/driver/internal/middleware"
	"github.com/signalix/driver/internal/repo"
)

// RouterDeps is everything the router wires together
type RouterDeps struct {
	Auth     *handlers.AuthHandler
	Trips    *handlers.TripHandler
	JWT      *auth.JWTService
	Drivers  repo.DriverRepo
	Limiter  *middleware.RateLimiter
	Gatherer prometheus.Gatherer
	Metrics  *middleware.HTTPMetrics
	Logger   *slog.Logger
	DevMode  bool
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Observe(d.Logger, d.Metrics))
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HandleHealth)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/auth", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(middleware.RateLimitMiddleware(d.Limiter, middleware.GetIPKey))
		}
		if d.DevMode {
			r.Post("/dev-login", d.Auth.HandleDevLogin)
		}
		r.Post("/refresh-token", d.Auth.HandleRefresh)
		r.Post("/logout", d.Auth.HandleLogout)
	})

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.JWT, d.Drivers))

		// The websocket outlives any request timeout.
		r.Get("/realtime", d.Trips.HandleRealtime)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))
			r.Get("/me", d.Auth.HandleMe)
			r.Get("/trips/{id}", d.Trips.HandleGetTrip)
			r.Post("/trip-offers/{id}/accept", d.Trips.HandleAccept)
			r.Post("/trip-offers/{id}/reject", d.Trips.HandleReject)
		})
	})

	if d.DevMode {
		r.Post("/dev/trips", d.Trips.HandleCreateTrip)
	}

	return r
}
