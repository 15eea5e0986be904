// Package app assembles the dispatch server from its parts.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/signalix/driver/internal/auth"
	"github.com/signalix/driver/internal/cache"
	"github.com/signalix/driver/internal/config"
	"github.com/signalix/driver/internal/dispatch"
	httphandler "github.com/signalix/driver/internal/http"
	"github.com/signalix/driver/internal/http/handlers"
	"github.com/signalix/driver/internal/hub"
	"github.com/signalix/driver/internal/middleware"
	"github.com/signalix/driver/internal/repo"
)

// App is a wired dispatch server
type App struct {
	Handler  http.Handler
	Hub      *hub.Hub
	Dispatch *dispatch.Service
	Auth     *auth.AuthService

	closers []func() error
}

// Build wires repositories, services and the router on top of an open database
func Build(ctx context.Context, cfg *config.Server, database *sql.DB, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	driverRepo := repo.NewDriverRepo(database)
	refreshRepo := repo.NewRefreshRepo(database)
	tripRepo := repo.NewTripRepo(database)

	a := &App{}

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	a.Auth = auth.NewAuthService(jwtService, driverRepo, refreshRepo, cfg.RefreshTokenTTL, log)
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("refresh cache: %w", err)
		}
		a.Auth.SetRefreshCache(rc)
		a.closers = append(a.closers, rc.Close)
		log.Info("refresh_cache_enabled")
	}

	a.Hub = hub.New(log, reg)
	a.Dispatch = dispatch.NewService(tripRepo, a.Hub, cfg.OfferTTL, log, reg)
	a.Hub.OnMessage(a.Dispatch.HandleSocket)

	limiter := middleware.NewRateLimiter(10*time.Minute, 60)
	a.closers = append(a.closers, func() error { limiter.Close(); return nil })

	a.Handler = httphandler.NewRouter(httphandler.RouterDeps{
		Auth:     handlers.NewAuthHandler(a.Auth, log),
		Trips:    handlers.NewTripHandler(a.Dispatch, a.Hub, log),
		JWT:      jwtService,
		Drivers:  driverRepo,
		Limiter:  limiter,
		Gatherer: reg,
		Metrics:  middleware.NewHTTPMetrics(reg),
		Logger:   log,
		DevMode:  cfg.DevMode,
	})
	return a, nil
}

// Close drops realtime connections and releases background resources
func (a *App) Close() error {
	a.Hub.Close()
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
