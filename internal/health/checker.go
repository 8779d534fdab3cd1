// Package health provides health checking for the exporter's components.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/cache"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check for a specific component.
type CheckResult struct {
	Component   string        `json:"component"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
}

// HealthStatus represents the overall health status and individual component checks.
type HealthStatus struct {
	Overall Status                 `json:"overall"`
	Checks  map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checking functionality.
type Checker interface {
	LivenessCheck(ctx context.Context) error
	ReadinessCheck(ctx context.Context) error
	StartupCheck(ctx context.Context) error
	GetHealthStatus(ctx context.Context) HealthStatus
}

// ComponentChecker defines the interface for individual component health checks.
type ComponentChecker interface {
	CheckHealth(ctx context.Context) error
	ComponentName() string
}

// HealthChecker manages health checks for multiple components.
type HealthChecker struct {
	components  map[string]ComponentChecker
	mu          sync.RWMutex
	lastChecks  map[string]CheckResult
	startupTime time.Time
}

// NewHealthChecker creates a new health checker instance.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		components:  make(map[string]ComponentChecker),
		lastChecks:  make(map[string]CheckResult),
		startupTime: time.Now(),
	}
}

func (hc *HealthChecker) RegisterComponent(checker ComponentChecker) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[checker.ComponentName()] = checker
}

// LivenessCheck verifies the process is responsive. No external dependencies.
func (hc *HealthChecker) LivenessCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ReadinessCheck verifies all registered components.
func (hc *HealthChecker) ReadinessCheck(ctx context.Context) error {
	hc.mu.RLock()
	components := make(map[string]ComponentChecker, len(hc.components))
	for name, comp := range hc.components {
		components[name] = comp
	}
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for name, component := range components {
		if err := component.CheckHealth(ctx); err != nil {
			return fmt.Errorf("component %s not ready: %w", name, err)
		}
	}

	return nil
}

// StartupCheck allows extra time before the readiness criteria apply,
// covering the first device list refresh and poll cycle.
func (hc *HealthChecker) StartupCheck(ctx context.Context) error {
	if time.Since(hc.startupTime) < 30*time.Second {
		return hc.LivenessCheck(ctx)
	}
	return hc.ReadinessCheck(ctx)
}

func (hc *HealthChecker) GetHealthStatus(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	components := make(map[string]ComponentChecker, len(hc.components))
	for name, comp := range hc.components {
		components[name] = comp
	}
	hc.mu.RUnlock()

	results := make(map[string]CheckResult)
	overallHealthy := true
	degraded := false

	for name, component := range components {
		start := time.Now()
		err := component.CheckHealth(ctx)
		duration := time.Since(start)

		var status Status
		var message string
		var lastSuccess *time.Time

		if err != nil {
			status = StatusUnhealthy
			message = err.Error()
			overallHealthy = false

			hc.mu.RLock()
			if prev, exists := hc.lastChecks[name]; exists && prev.Status == StatusHealthy {
				lastSuccess = &prev.Timestamp
			}
			hc.mu.RUnlock()
		} else {
			status = StatusHealthy
			now := time.Now()
			lastSuccess = &now
		}

		if duration > 5*time.Second {
			degraded = true
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}

		results[name] = CheckResult{
			Component:   name,
			Status:      status,
			Message:     message,
			Duration:    duration,
			Timestamp:   time.Now(),
			LastSuccess: lastSuccess,
		}
	}

	hc.mu.Lock()
	hc.lastChecks = results
	hc.mu.Unlock()

	var overall Status
	switch {
	case !overallHealthy:
		overall = StatusUnhealthy
	case degraded:
		overall = StatusDegraded
	default:
		overall = StatusHealthy
	}

	return HealthStatus{
		Overall: overall,
		Checks:  results,
	}
}

// DeviceLister is the collector surface the poller checker needs.
type DeviceLister interface {
	Degraded() bool
	DeviceTotal() int
}

// PollerHealthChecker reports the state of the device list refresh loop.
type PollerHealthChecker struct {
	poller DeviceLister
}

// NewPollerHealthChecker creates a poller health checker.
func NewPollerHealthChecker(poller DeviceLister) *PollerHealthChecker {
	return &PollerHealthChecker{poller: poller}
}

func (pc *PollerHealthChecker) ComponentName() string {
	return "smartthings_poller"
}

func (pc *PollerHealthChecker) CheckHealth(ctx context.Context) error {
	if pc.poller == nil {
		return fmt.Errorf("poller not initialized")
	}
	if pc.poller.Degraded() {
		return fmt.Errorf("device list refresh failing repeatedly")
	}
	return nil
}

// CacheHealthChecker verifies the metric cache is receiving commits.
type CacheHealthChecker struct {
	cache *cache.MetricCache
	// maxAge is how stale the newest commit may be before the cache is
	// considered unhealthy. Zero disables the freshness check.
	maxAge time.Duration
}

// NewCacheHealthChecker creates a cache health checker. maxAge should be
// a few poll intervals.
func NewCacheHealthChecker(mc *cache.MetricCache, maxAge time.Duration) *CacheHealthChecker {
	return &CacheHealthChecker{cache: mc, maxAge: maxAge}
}

func (cc *CacheHealthChecker) ComponentName() string {
	return "metric_cache"
}

func (cc *CacheHealthChecker) CheckHealth(ctx context.Context) error {
	if cc.cache == nil {
		return fmt.Errorf("cache not initialized")
	}

	stats := cc.cache.GetStats()
	if cc.maxAge > 0 && !stats.LastCommit.IsZero() {
		if age := time.Since(stats.LastCommit); age > cc.maxAge {
			return fmt.Errorf("no commits for %s (max %s)", age.Round(time.Second), cc.maxAge)
		}
	}

	return nil
}

// WriteHealthResponse renders a health status as JSON.
func WriteHealthResponse(w http.ResponseWriter, status HealthStatus, httpStatus int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

// DetermineHTTPStatus maps a health status to an HTTP status code.
// Degraded still reports OK so orchestrators don't restart a working pod.
func DetermineHTTPStatus(status Status) int {
	switch status {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	case StatusUnhealthy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
