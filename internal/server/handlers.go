// Package server provides HTTP handlers for the exporter endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/cache"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/health"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/metrics"
)

var (
	version       = "dev"
	buildTime     = "unknown"
	startTime     = time.Now()
	healthChecker *health.HealthChecker
	pollCollector *metrics.Collector
	metricCache   *cache.MetricCache
)

// SetVersion sets the global version and build time for handlers.
func SetVersion(v string, bt string) {
	version = v
	buildTime = bt
}

// SetHealthChecker sets the global health checker for handlers.
func SetHealthChecker(hc *health.HealthChecker) {
	healthChecker = hc
}

// SetComponents wires the collector and cache into the status handlers.
func SetComponents(collector *metrics.Collector, mc *cache.MetricCache) {
	pollCollector = collector
	metricCache = mc
}

// StatusHandler provides an operational summary of the exporter.
func StatusHandler(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := map[string]interface{}{
		"status":         "ok",
		"version":        version,
		"build_time":     buildTime,
		"timestamp":      time.Now().Unix(),
		"memory_mb":      bToMb(m.Alloc),
		"goroutines":     runtime.NumGoroutine(),
		"uptime_seconds": getUptimeSeconds(),
	}

	if pollCollector != nil {
		status["devices"] = pollCollector.DeviceTotal()
		if pollCollector.Degraded() {
			status["poller_status"] = "degraded"
		} else {
			status["poller_status"] = "healthy"
		}
	}

	if metricCache != nil {
		stats := metricCache.GetStats()
		status["cached_devices"] = stats.DeviceCount
		status["cached_samples"] = stats.SampleCount
		status["poll_cycle"] = stats.CurrentCycle
		if !stats.LastCommit.IsZero() {
			status["last_commit"] = stats.LastCommit.Unix()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Error("failed to encode status response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func DebugHandler(w http.ResponseWriter, _ *http.Request) {
	info := map[string]interface{}{
		"version":    version,
		"build_time": buildTime,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		slog.Error("failed to encode debug info response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// LivenessHandler provides the liveness probe endpoint.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if healthChecker == nil {
		writeProbe(w, http.StatusOK, `{"status":"ok"}`)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := healthChecker.LivenessCheck(ctx); err != nil {
		writeProbe(w, http.StatusServiceUnavailable, `{"status":"unhealthy","error":"`+err.Error()+`"}`)
		return
	}

	writeProbe(w, http.StatusOK, `{"status":"ok"}`)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if healthChecker == nil {
		writeProbe(w, http.StatusOK, `{"status":"not configured"}`)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := healthChecker.ReadinessCheck(ctx); err != nil {
		writeProbe(w, http.StatusServiceUnavailable, `{"status":"not ready","error":"`+err.Error()+`"}`)
		return
	}

	writeProbe(w, http.StatusOK, `{"status":"ready"}`)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if healthChecker == nil {
		writeProbe(w, http.StatusOK, `{"status":"ok"}`)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := healthChecker.StartupCheck(ctx); err != nil {
		writeProbe(w, http.StatusServiceUnavailable, `{"status":"not started","error":"`+err.Error()+`"}`)
		return
	}

	writeProbe(w, http.StatusOK, `{"status":"started"}`)
}

func DetailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	if healthChecker == nil {
		writeProbe(w, http.StatusServiceUnavailable, `{"status":"not configured"}`)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	status := healthChecker.GetHealthStatus(ctx)
	httpStatus := health.DetermineHTTPStatus(status.Overall)

	health.WriteHealthResponse(w, status, httpStatus)
}

func writeProbe(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("failed to write probe response", "error", err)
	}
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

func getUptimeSeconds() int64 {
	return int64(time.Since(startTime).Seconds())
}
