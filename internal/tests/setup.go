// Package tests holds end-to-end suites that run the dispatch server against
// a real PostgreSQL. They skip unless DATABASE_URL is set.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalix/driver/internal/app"
	"github.com/signalix/driver/internal/config"
	"github.com/signalix/driver/internal/db"
)

// testServer holds the server and DB for integration tests
type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
	App    *app.App
}

func requireDatabase(t *testing.T) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	requireDatabase(t)

	cfg, err := config.LoadServer()
	require.NoError(t, err, "config load must succeed for integration test")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if testing.Verbose() {
		log = config.NewLogger(os.Stderr, "local", "DEBUG")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, TruncateTables(ctx, database))

	a, err := app.Build(ctx, cfg, database, log)
	require.NoError(t, err)

	server := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		_ = a.Close()
		server.Close()
	})

	return &testServer{Server: server, DB: database, App: a}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) RealtimeURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/realtime"
}

// TruncateTables empties every dispatch table for a clean test state
func TruncateTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE trip_offers, trips, refresh_sessions, drivers CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
