// Package main provides the SmartThings exporter entry point. The
// exporter polls the SmartThings API for appliance status and exposes
// the readings as Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/api"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/cache"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/config"
	apperrors "github.com/adyekjaer/smartthings-ac-exporter/internal/errors"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/mapping"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/metrics"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/security"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func setupLogger(cfg config.Config) {
	var handler slog.Handler
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// performHealthCheck probes the liveness endpoint of a running instance.
// Used as a container health check.
func performHealthCheck() error {
	cfg := config.Load()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	host := os.Getenv("HEALTH_CHECK_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%s/livez", host, cfg.Port)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	return nil
}

// buildCredentials selects the token source from the configuration:
// a personal access token (inline or file-backed) or OAuth client
// credentials.
func buildCredentials(cfg config.Config) (api.TokenSource, error) {
	if cfg.TokenFile != "" {
		return api.NewStaticTokenFile(cfg.TokenFile)
	}
	if cfg.Token != "" {
		return api.NewStaticToken(cfg.Token), nil
	}
	return api.NewOAuthToken(cfg.OAuthClientID, cfg.OAuthSecret, cfg.OAuthTokenURL), nil
}

// loadMappingTable loads the capability mapping, falling back to the
// embedded default table when no file is configured.
func loadMappingTable(cfg config.Config) (*mapping.Table, error) {
	if cfg.MappingFile != "" {
		slog.Info("loading mapping table", "file", cfg.MappingFile)
		return mapping.Load(cfg.MappingFile)
	}
	return mapping.LoadDefault()
}

func main() {
	var showVersion bool
	var showHelp bool
	var healthCheck bool

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&healthCheck, "health-check", false, "perform health check and exit")
	flag.Parse()

	if healthCheck {
		if err := performHealthCheck(); err != nil {
			slog.Error("Health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Health check passed")
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("stmetrics %s (built: %s)\n", version, buildTime)

		if info, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("go version: %s\n", info.GoVersion)
		}

		os.Exit(0)
	}

	if showHelp {
		fmt.Printf("stmetrics - SmartThings appliance metrics exporter\n\n")
		fmt.Printf("Usage: stmetrics [options]\n\n")
		fmt.Printf("Options:\n")
		flag.PrintDefaults()
		fmt.Printf("\nEnvironment variables:\n")
		fmt.Printf("  SMARTTHINGS_TOKEN       Personal access token for the SmartThings API\n")
		fmt.Printf("  SMARTTHINGS_TOKEN_FILE  File containing the access token\n")
		fmt.Printf("  OAUTH_CLIENT_ID         OAuth client ID (alternative to a token)\n")
		fmt.Printf("  OAUTH_CLIENT_SECRET     OAuth client secret\n")
		fmt.Printf("  OAUTH_TOKEN_URL         OAuth token endpoint\n")
		fmt.Printf("  API_BASE_URL            SmartThings API base URL\n")
		fmt.Printf("  POLL_INTERVAL           Device poll interval (default: 30s)\n")
		fmt.Printf("  DEVICE_REFRESH_INTERVAL Device list refresh interval (default: 10m)\n")
		fmt.Printf("  MAX_INFLIGHT_FETCHES    Parallel device fetches per cycle (default: 4)\n")
		fmt.Printf("  TARGET_DEVICES          Comma-separated device filter (empty = all)\n")
		fmt.Printf("  MAPPING_FILE            Capability mapping table (default: embedded)\n")
		fmt.Printf("  PORT                    Server port (default: 9555)\n")
		fmt.Printf("  LOG_LEVEL               Log level: debug, info, warn, error (default: info)\n")
		fmt.Printf("  LOG_FORMAT              Log format: text, json (default: text)\n")
		os.Exit(0)
	}

	cfg := config.Load()

	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	server.SetVersion(version, buildTime)

	slog.Info("Starting stmetrics",
		"version", version,
		"build_time", buildTime,
		"poll_interval", cfg.PollInterval,
		"log_level", cfg.LogLevel,
		"log_format", cfg.LogFormat)

	table, err := loadMappingTable(cfg)
	if err != nil {
		var mapErr *apperrors.MappingError
		if errors.As(err, &mapErr) {
			slog.Error("Mapping table invalid", "capability", mapErr.Capability, "field", mapErr.Field, "reason", mapErr.Reason)
		} else {
			slog.Error("Failed to load mapping table", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("Mapping table loaded", "capabilities", table.Len())

	if cfg.Token != "" {
		if err := security.ValidateToken(cfg.Token); err != nil {
			slog.Warn("SMARTTHINGS_TOKEN has an unexpected shape", "error", err)
		}
	}

	creds, err := buildCredentials(cfg)
	if err != nil {
		slog.Error("Failed to initialize credentials", "error", err)
		os.Exit(1)
	}

	client, err := api.NewClient(api.Options{
		BaseURL:     cfg.APIBaseURL,
		Credentials: creds,
		CallTimeout: cfg.CallTimeout,
		Backoff:     apperrors.DefaultBackoff(cfg.MaxRetryAttempts),
		RateLimit:   cfg.APIRateLimit,
	})
	if err != nil {
		slog.Error("Failed to initialize API client", "error", err)
		os.Exit(1)
	}

	metricCache := cache.NewMetricCache()
	collector := metrics.NewCollector(cfg, client, table, metricCache)

	prometheus.MustRegister(metrics.NewExporter(metricCache, table))
	server.SetComponents(collector, metricCache)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Standalone mode", "port", cfg.Port)
	if err := server.RunStandalone(ctx, cfg, collector); err != nil {
		slog.Error("Shutdown with error", "error", err)
	} else {
		slog.Info("Shutdown complete")
	}
}
