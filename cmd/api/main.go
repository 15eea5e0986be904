package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalix/driver/internal/app"
	"github.com/signalix/driver/internal/config"
	"github.com/signalix/driver/internal/db"
)

func main() {
	// .env is optional; real env vars override it
	_ = godotenv.Load(".env")

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load configuration", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log := config.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("config_loaded", append([]any{slog.Bool("dev_mode", cfg.DevMode)}, config.DatabaseSummary(cfg.DatabaseURL)...)...)

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to open database", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Error("failed to run migrations", slog.String("err", err.Error()))
		os.Exit(1)
	}

	a, err := app.Build(ctx, cfg, database, log)
	if err != nil {
		log.Error("failed to build server", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// No WriteTimeout: /realtime connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("server_starting", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("server_shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown.
	_ = a.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("err", err.Error()))
	}

	log.Info("server_exited")
}
