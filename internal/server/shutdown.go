// Package server provides graceful shutdown management for HTTP servers
// and background workers.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shutdownDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stmetrics_shutdown_duration_seconds",
		Help:    "Time taken to gracefully shutdown the application",
		Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	shutdownErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stmetrics_shutdown_errors_total",
		Help: "Number of errors during shutdown",
	}, []string{"component"})
)

// ShutdownManager coordinates an orderly stop: cancel the run context,
// drain HTTP servers, then run registered hooks by priority.
type ShutdownManager struct {
	timeout     time.Duration
	hooks       []ShutdownHook
	httpServers []*http.Server
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type ShutdownHook struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Handler  func(ctx context.Context) error
}

func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		timeout: timeout,
		hooks:   make([]ShutdownHook, 0),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (sm *ShutdownManager) AddHTTPServer(server *http.Server) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.httpServers = append(sm.httpServers, server)
}

func (sm *ShutdownManager) RegisterHook(hook ShutdownHook) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 30 * time.Second
	}

	sm.hooks = append(sm.hooks, hook)
	sort.SliceStable(sm.hooks, func(i, j int) bool {
		return sm.hooks[i].Priority < sm.hooks[j].Priority
	})
}

func (sm *ShutdownManager) Shutdown() {
	start := time.Now()
	defer func() {
		shutdownDuration.Observe(time.Since(start).Seconds())
	}()

	slog.Info("starting graceful shutdown", "timeout", sm.timeout)

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.cancel()

	sm.shutdownHTTPServers(ctx)
	sm.executeShutdownHooks(ctx)

	sm.wg.Wait()

	slog.Info("graceful shutdown completed", "duration", time.Since(start))
}

func (sm *ShutdownManager) shutdownHTTPServers(ctx context.Context) {
	sm.mutex.RLock()
	servers := make([]*http.Server, len(sm.httpServers))
	copy(servers, sm.httpServers)
	sm.mutex.RUnlock()

	if len(servers) == 0 {
		return
	}

	slog.Info("shutting down HTTP servers", "count", len(servers))

	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()

			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("HTTP server shutdown error", "error", err)
				shutdownErrors.WithLabelValues("http_server").Inc()
				if closeErr := srv.Close(); closeErr != nil {
					slog.Error("HTTP server close error", "error", closeErr)
				}
			}
		}(server)
	}

	wg.Wait()
}

func (sm *ShutdownManager) executeShutdownHooks(ctx context.Context) {
	sm.mutex.RLock()
	hooks := make([]ShutdownHook, len(sm.hooks))
	copy(hooks, sm.hooks)
	sm.mutex.RUnlock()

	for _, hook := range hooks {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown timeout reached, skipping remaining hooks")
			return
		default:
		}

		sm.executeHook(ctx, hook)
	}
}

func (sm *ShutdownManager) executeHook(ctx context.Context, hook ShutdownHook) {
	hookStart := time.Now()

	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- hook.Handler(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("shutdown hook failed", "name", hook.Name, "error", err)
			shutdownErrors.WithLabelValues(hook.Name).Inc()
		} else {
			slog.Debug("shutdown hook completed", "name", hook.Name, "duration", time.Since(hookStart))
		}
	case <-hookCtx.Done():
		slog.Warn("shutdown hook timeout", "name", hook.Name, "timeout", hook.Timeout)
		shutdownErrors.WithLabelValues(hook.Name).Inc()
	}
}

func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

func (sm *ShutdownManager) AddWorker() {
	sm.wg.Add(1)
}

func (sm *ShutdownManager) WorkerDone() {
	sm.wg.Done()
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	select {
	case <-sm.ctx.Done():
		return true
	default:
		return false
	}
}
