// Package cli implements the headless driver agent commands.
package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalix/driver/internal/apiclient"
	"github.com/signalix/driver/internal/config"
	"github.com/signalix/driver/internal/storage"
	"github.com/signalix/driver/internal/tokenstore"
)

// NewRootCmd builds the driver command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "driver",
		Short: "Headless driver agent for the dispatch server",
		Long: `driver keeps a signed-in driver session on this device, listens for trip
offers over the realtime channel and lets you accept or reject them.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("env-file", ".env", "optional .env file loaded before the environment is read")

	root.AddCommand(newLoginCmd(), newLogoutCmd(), newOffersCmd(), newRunCmd())
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// agent holds the pieces every subcommand needs
type agent struct {
	cfg    *config.Driver
	log    *slog.Logger
	kv     storage.KV
	tokens *tokenstore.KVStore
	api    *apiclient.Client
	reg    *prometheus.Registry
}

func loadAgent(cmd *cobra.Command) (*agent, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		_ = godotenv.Load(envFile)
	}
	cfg, err := config.LoadDriver()
	if err != nil {
		return nil, err
	}
	log := config.NewLogger(cmd.ErrOrStderr(), cfg.Env, cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	kv := storage.NewFile(filepath.Clean(cfg.DataDir))
	tokens, err := tokenstore.New(kv, cfg.DeviceSecret)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	api := apiclient.New(cfg.APIBaseURL, tokens, apiclient.Options{
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Logger:     log,
		Metrics:    apiclient.NewMetrics(reg),
	})

	return &agent{cfg: cfg, log: log, kv: kv, tokens: tokens, api: api, reg: reg}, nil
}
