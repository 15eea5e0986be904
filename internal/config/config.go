package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Driver configures the driver agent
type Driver struct {
	Env         string `env:"ENV" env-default:"local"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"INFO"`
	APIBaseURL  string `env:"API_BASE_URL" env-default:"http://localhost:8080"`
	RealtimeURL string `env:"REALTIME_URL"`
	DataDir     string `env:"DATA_DIR" env-default:"./.driver"`
	// DeviceSecret is the key material tokens are sealed with
	DeviceSecret string `env:"DEVICE_SECRET" env-required:"true"`
	MetricsAddr  string `env:"METRICS_ADDR"`

	RequestTimeout         time.Duration `env:"REQUEST_TIMEOUT" env-default:"15s"`
	RealtimeConnectTimeout time.Duration `env:"REALTIME_CONNECT_TIMEOUT" env-default:"5s"`
	RealtimeReconnectMax   time.Duration `env:"REALTIME_RECONNECT_MAX" env-default:"30s"`
	PollInterval           time.Duration `env:"POLL_INTERVAL" env-default:"20s"`
	AssignmentTimeout      time.Duration `env:"ASSIGNMENT_TIMEOUT" env-default:"30s"`
}

// Server configures the reference dispatch server
type Server struct {
	Env         string `env:"ENV" env-default:"local"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"INFO"`
	DatabaseURL string `env:"DATABASE_URL" env-required:"true"`
	Port        string `env:"PORT" env-default:"8080"`
	JWTSecret   string `env:"JWT_SECRET" env-required:"true"`
	RedisURL    string `env:"REDIS_URL"`
	DevMode     bool   `env:"DEV_MODE" env-default:"false"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" env-default:"720h"`
	OfferTTL        time.Duration `env:"OFFER_TTL" env-default:"120s"`
}

// LoadDriver reads the driver configuration from the environment
func LoadDriver() (*Driver, error) {
	var cfg Driver
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read driver config: %w", err)
	}
	if cfg.DeviceSecret == "" {
		return nil, fmt.Errorf("DEVICE_SECRET environment variable is required")
	}
	if cfg.RealtimeURL == "" {
		u, err := RealtimeURLFor(cfg.APIBaseURL)
		if err != nil {
			return nil, err
		}
		cfg.RealtimeURL = u
	}
	return &cfg, nil
}

// LoadServer reads the dispatch server configuration from the environment
func LoadServer() (*Server, error) {
	var cfg Server
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read server config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return &cfg, nil
}

// RealtimeURLFor derives the websocket endpoint from the API base URL
func RealtimeURLFor(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("invalid API_BASE_URL %q: %w", apiBase, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid API_BASE_URL %q: scheme must be http or https", apiBase)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime"
	return u.String(), nil
}

// DatabaseSummary describes the DSN without credentials, for startup logs
func DatabaseSummary(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	return []any{
		slog.String("host", host),
		slog.String("port", port),
		slog.String("db", strings.TrimPrefix(u.Path, "/")),
		slog.String("user", user),
	}
}
