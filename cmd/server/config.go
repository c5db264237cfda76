package main

import (
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Config holds server settings. Defaults come from the environment (and
// .env); command-line flags override them.
type Config struct {
	Port          int
	DBPath        string
	LogLevel      slog.Level
	AuditInterval time.Duration
	CORSOrigins   []string
	Scenario      string
}

// loadConfig resolves settings from args and getenv. Precedence:
// flag > env var > .env file (loaded before this runs) > default.
func loadConfig(args []string, getenv func(string) string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	defPort, err := strconv.Atoi(env("PORT", "8080"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid PORT: %w", err)
	}
	defInterval, err := time.ParseDuration(env("AUDIT_INTERVAL", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid AUDIT_INTERVAL: %w", err)
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	port := fs.Int("port", defPort, "HTTP server port")
	dbPath := fs.String("db", env("DB_PATH", "fees.db"), "SQLite database path (\":memory:\" for in-memory)")
	level := fs.String("log-level", env("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	interval := fs.Duration("audit-interval", defInterval, "Ledger audit interval (0 disables)")
	origins := fs.String("cors-origins", env("CORS_ORIGINS", ""), "Comma-separated allowed origins")
	scenario := fs.String("scenario", env("SCENARIO", ""), "Demo scenario to load into an empty ledger")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:          *port,
		DBPath:        *dbPath,
		AuditInterval: *interval,
		Scenario:      *scenario,
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(*level)); err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", *level, err)
	}
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	return cfg, nil
}
