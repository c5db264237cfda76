/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fee ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, then parse flags over env defaults
  2. Initialize SQLite store (migrations run on open)
  3. Create API handler and router
  4. Optionally load a demo scenario
  5. Start the audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (env fallback):
  -port            PORT            HTTP server port (default: 8080)
  -db              DB_PATH         SQLite database path (default: fees.db)
                                   Use ":memory:" for in-memory database
  -log-level       LOG_LEVEL       debug, info, warn, error (default: info)
  -audit-interval  AUDIT_INTERVAL  Ledger audit interval, 0 disables (default: 1h)
  -cors-origins    CORS_ORIGINS    Comma-separated allowed origins
  -scenario        SCENARIO        Demo scenario for an empty ledger

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close database connection

EXAMPLES:
  ./server -db="./data/fees.db"
  ./server -db=":memory:" -scenario=part-payments
  LOG_LEVEL=debug ./server -port=3000

SEE ALSO:
  - config.go: Flag and env resolution
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/fee-ledger/api"
	"github.com/warp/fee-ledger/store/sqlite"
)

func main() {
	// A missing .env is fine; real env vars take precedence over it.
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	if cfg.Scenario != "" {
		err := handler.LoadScenarioByID(context.Background(), cfg.Scenario)
		switch {
		case errors.Is(err, api.ErrLedgerNotEmpty):
			logger.Warn("ledger not empty, scenario skipped", "scenario", cfg.Scenario)
		case err != nil:
			return fmt.Errorf("load scenario: %w", err)
		}
	}

	scheduler := api.NewAuditScheduler(handler.Checker, logger)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("listen: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
