// Package security provides HTTP hardening middleware and credential
// shape validation for the exporter endpoints.
package security

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SmartThings personal access tokens and device IDs are UUIDs.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateToken checks that a personal access token has a plausible
// shape before it is ever sent to the API. SmartThings PATs are UUIDs;
// anything else is almost certainly a copy-paste mistake.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if len(token) > 500 {
		return fmt.Errorf("token is too long (maximum 500 characters)")
	}
	if !uuidRegex.MatchString(token) {
		return fmt.Errorf("token does not look like a SmartThings personal access token (expected UUID)")
	}
	return nil
}

// ValidateDeviceID checks the shape of a device identifier taken from
// user-supplied configuration such as TARGET_DEVICES.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(id) > 100 {
		return fmt.Errorf("device ID is too long (maximum 100 characters)")
	}
	for _, char := range id {
		if char < 32 {
			return fmt.Errorf("device ID contains control characters")
		}
	}
	return nil
}

// RateLimiter provides per-client rate limiting for the HTTP endpoints.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mutex    sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a rate limiter with the specified requests per
// second and burst size per client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mutex.RLock()
	limiter, exists := rl.limiters[clientID]
	rl.mutex.RUnlock()

	if !exists {
		rl.mutex.Lock()
		if limiter, exists = rl.limiters[clientID]; !exists {
			limiter = rate.NewLimiter(rl.rate, rl.burst)
			rl.limiters[clientID] = limiter
		}
		rl.mutex.Unlock()
	}

	return limiter.Allow()
}

// StartCleanup sweeps idle client limiters on the given interval until
// ctx is cancelled. Without it the per-client map grows without bound
// when callers spoof forwarded-for headers.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

// Cleanup drops limiters that are back at full burst, i.e. idle clients.
func (rl *RateLimiter) Cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	for clientID, limiter := range rl.limiters {
		if limiter.Tokens() == float64(rl.burst) {
			delete(rl.limiters, clientID)
		}
	}
}

// SecurityHeadersMiddleware sets standard hardening headers. The
// exposition output must never be cached by intermediaries.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'none'; object-src 'none'")

		if r.URL.Path == "/metrics" {
			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware rejects clients exceeding their request budget.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := getClientID(r)

			if !limiter.Allow(clientID) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientID(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
	}

	// Extract IP from "IP:Port" format
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}

	// Take the first entry of a forwarded chain
	if commaIndex := strings.Index(ip, ","); commaIndex != -1 {
		ip = strings.TrimSpace(ip[:commaIndex])
	}

	return ip
}

// TimeoutMiddleware bounds handler execution time.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			r = r.WithContext(ctx)
			next.ServeHTTP(w, r)
		})
	}
}
