// Package server provides the HTTP exposition and health endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/config"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/health"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/metrics"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/security"
)

// createHTTPServer creates a configured HTTP server with standard timeouts.
func createHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// SetupRoutes configures the HTTP routes: Prometheus exposition plus
// health and debug endpoints.
func SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", StatusHandler)
	mux.HandleFunc("/debug", DebugHandler)

	// Kubernetes health endpoints
	mux.HandleFunc("/livez", LivenessHandler)
	mux.HandleFunc("/readyz", ReadinessHandler)
	mux.HandleFunc("/startupz", StartupHandler)
	mux.HandleFunc("/healthz", DetailedHealthHandler)

	return mux
}

// initializeHealthChecker registers component checks over the collector
// and cache used by the handlers.
func initializeHealthChecker(cfg config.Config, collector *metrics.Collector) {
	hc := health.NewHealthChecker()
	hc.RegisterComponent(health.NewPollerHealthChecker(collector))
	if metricCache != nil {
		// Treat the cache as stale after several missed poll cycles.
		hc.RegisterComponent(health.NewCacheHealthChecker(metricCache, 4*cfg.PollInterval))
	}
	SetHealthChecker(hc)
}

// RunStandalone starts the poll loop and serves HTTP until ctx is
// cancelled. In production environments the server binds all interfaces;
// during development it stays on localhost.
func RunStandalone(ctx context.Context, cfg config.Config, collector *metrics.Collector) error {
	host := "127.0.0.1"
	if cfg.Env == "production" || cfg.Env == "prod" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%s", host, cfg.Port)

	limiter := security.NewRateLimiter(10, 20)
	go limiter.StartCleanup(ctx, 5*time.Minute)
	handler := security.SecurityHeadersMiddleware(
		security.RateLimitMiddleware(limiter)(
			security.TimeoutMiddleware(30 * time.Second)(SetupRoutes())))
	srv := createHTTPServer(addr, handler)

	sm := NewShutdownManager(30 * time.Second)
	sm.AddHTTPServer(srv)
	if metricCache != nil {
		sm.RegisterHook(ShutdownHook{
			Name:     "metric_cache",
			Priority: 10,
			Timeout:  5 * time.Second,
			Handler: func(context.Context) error {
				stats := metricCache.GetStats()
				slog.Info("final cache state", "devices", stats.DeviceCount, "samples", stats.SampleCount, "cycle", stats.CurrentCycle)
				return nil
			},
		})
	}

	initializeHealthChecker(cfg, collector)
	go collector.Run(ctx)

	slog.Info("server ready", "bind", addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	sm.Shutdown()
	return nil
}
