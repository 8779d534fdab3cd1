package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/cache"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/config"
	apperrors "github.com/adyekjaer/smartthings-ac-exporter/internal/errors"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/mapping"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
	"github.com/adyekjaer/smartthings-ac-exporter/pkg/device"
)

// degradedThreshold is the number of consecutive device list refresh
// failures after which the exporter reports itself degraded.
const degradedThreshold = 3

// lastPollMetric is the per-device staleness timestamp emitted with
// every committed batch.
const lastPollMetric = types.MetricName("smartthings_device_last_poll_timestamp_seconds")

// DeviceAPI is the remote client surface the collector needs. Satisfied
// by *api.Client; tests substitute a fake.
type DeviceAPI interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	GetStatus(ctx context.Context, id types.DeviceID) ([]device.CapabilityReading, error)
}

// Collector drives the poll cycle: it keeps the device list fresh,
// fans out per-device status fetches and commits resolved samples to
// the metric cache.
type Collector struct {
	cfg    config.Config
	client DeviceAPI
	table  *mapping.Table
	cache  *cache.MetricCache

	mu           sync.Mutex
	devices      []device.Device
	listFailures int

	inFlight atomic.Bool
	degraded atomic.Bool
}

// NewCollector creates a collector over the given client, mapping table
// and metric cache.
func NewCollector(cfg config.Config, client DeviceAPI, table *mapping.Table, mc *cache.MetricCache) *Collector {
	return &Collector{
		cfg:    cfg,
		client: client,
		table:  table,
		cache:  mc,
	}
}

// Run executes the poll loop until ctx is cancelled. The device list is
// refreshed immediately and then on its own cadence; a poll cycle runs
// right away and then on every poll tick. Ticks that arrive while a
// cycle is still in flight are dropped, not queued.
func (c *Collector) Run(ctx context.Context) {
	if err := c.RefreshDevices(ctx); err != nil {
		slog.Error("initial device list refresh failed", "error", err)
	}
	c.RunCycle(ctx)

	pollTicker := time.NewTicker(c.cfg.PollInterval)
	defer pollTicker.Stop()
	refreshTicker := time.NewTicker(c.cfg.DeviceRefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poll loop stopping", "reason", ctx.Err())
			return
		case <-refreshTicker.C:
			if err := c.RefreshDevices(ctx); err != nil {
				slog.Error("device list refresh failed", "error", err)
			}
		case <-pollTicker.C:
			c.pollTick(ctx)
		}
	}
}

// pollTick runs one poll tick. While no devices are known the list
// refresh is retried on the poll cadence instead of waiting out the
// slower refresh interval.
func (c *Collector) pollTick(ctx context.Context) {
	if c.DeviceTotal() == 0 {
		if err := c.RefreshDevices(ctx); err != nil {
			slog.Error("device list refresh failed", "error", err)
		}
	}
	c.RunCycle(ctx)
}

// RefreshDevices re-fetches the device list. On success devices absent
// from the new list are dropped from the cache so their samples stop
// being exported; on failure the previous list stays in use.
func (c *Collector) RefreshDevices(ctx context.Context) error {
	devices, err := c.client.ListDevices(ctx)
	if err != nil {
		DeviceListErrors.Inc()

		c.mu.Lock()
		c.listFailures++
		failures := c.listFailures
		c.mu.Unlock()

		if failures >= degradedThreshold && !c.degraded.Load() {
			c.degraded.Store(true)
			ListDegraded.Set(1)
			slog.Warn("device list refresh degraded",
				"consecutive_failures", failures)
		}
		return err
	}

	devices = c.filterTargets(devices)

	keep := make(map[types.DeviceID]bool, len(devices))
	for _, d := range devices {
		keep[d.ID] = true
	}
	if removed := c.cache.Retain(keep); removed > 0 {
		slog.Info("dropped samples for removed devices", "count", removed)
	}

	c.mu.Lock()
	c.devices = devices
	c.listFailures = 0
	c.mu.Unlock()

	if c.degraded.Swap(false) {
		ListDegraded.Set(0)
		slog.Info("device list refresh recovered")
	}

	DeviceCount.Set(float64(len(devices)))
	slog.Info("device list refreshed", "device_count", len(devices))
	return nil
}

// filterTargets narrows a device list to TARGET_DEVICES entries,
// matching case-insensitively on ID, name or label. An empty target
// list keeps everything.
func (c *Collector) filterTargets(devices []device.Device) []device.Device {
	if len(c.cfg.TargetDevices) == 0 {
		return devices
	}

	filtered := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		for _, target := range c.cfg.TargetDevices {
			if strings.EqualFold(d.ID.String(), target) ||
				strings.EqualFold(d.Name.String(), target) ||
				strings.EqualFold(d.Label, target) {
				filtered = append(filtered, d)
				break
			}
		}
	}

	slog.Debug("applied device filter",
		"targets", c.cfg.TargetDevices,
		"matched", len(filtered))
	return filtered
}

// RunCycle polls every known device once with bounded parallelism and
// commits the results. Returns false when the tick was skipped because
// a cycle was already running.
func (c *Collector) RunCycle(ctx context.Context) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		SkippedCycles.Inc()
		slog.Warn("poll tick skipped, previous cycle still running")
		return false
	}
	defer c.inFlight.Store(false)

	start := time.Now()
	defer func() {
		PollCycleDuration.Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	devices := make([]device.Device, len(c.devices))
	copy(devices, c.devices)
	c.mu.Unlock()

	if len(devices) == 0 {
		slog.Debug("poll cycle with no devices")
		return true
	}

	cycle := c.cache.BeginCycle()

	var succeeded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxInflightFetches)

	for _, d := range devices {
		d := d
		g.Go(func() error {
			if c.collectDevice(gctx, d, cycle) {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if succeeded.Load() > 0 {
		LastCycleSuccess.Set(float64(time.Now().Unix()))
	}

	slog.Debug("poll cycle finished",
		"cycle", cycle,
		"devices", len(devices),
		"succeeded", succeeded.Load(),
		"duration", time.Since(start))
	return true
}

// collectDevice fetches one device's status and commits its samples.
// A fetch failure leaves the device's previous batch in the cache.
func (c *Collector) collectDevice(ctx context.Context, d device.Device, cycle uint64) bool {
	readings, err := c.client.GetStatus(ctx, d.ID)
	if err != nil {
		FetchErrors.WithLabelValues(d.ID.String(), errorType(err)).Inc()
		slog.Warn("device status fetch failed",
			"device_id", d.ID.String(),
			"device_name", d.DisplayName(),
			"error_type", errorType(err),
			"error", err)
		return false
	}

	samples := c.buildSamples(d, readings)
	c.cache.Commit(d.ID, d.DisplayName(), cycle, samples)
	SamplesCommitted.Add(float64(len(samples)))
	return true
}

// buildSamples resolves readings through the mapping table. The commit
// always carries the per-device last poll timestamp so staleness is
// observable even when no capability maps.
func (c *Collector) buildSamples(d device.Device, readings []device.CapabilityReading) []cache.Sample {
	samples := make([]cache.Sample, 0, len(readings)+1)

	for _, r := range readings {
		frag, ok := c.table.Resolve(r.Capability, r.Value)
		if !ok {
			UnmappedCapabilities.WithLabelValues(r.Capability.String()).Inc()
			continue
		}

		labels := map[string]string{
			"device_id":   d.ID.String(),
			"device_name": d.DisplayName(),
		}
		if frag.Kind == mapping.KindInfo {
			labels["state"] = frag.State
		}

		samples = append(samples, cache.Sample{
			Name:   frag.Metric,
			Kind:   frag.Kind,
			Help:   frag.Help,
			Unit:   frag.Unit,
			Value:  frag.Value,
			Labels: labels,
		})
	}

	samples = append(samples, cache.Sample{
		Name:  lastPollMetric,
		Kind:  mapping.KindGauge,
		Help:  "Unix timestamp of the last successful poll for this device",
		Value: float64(time.Now().Unix()),
		Labels: map[string]string{
			"device_id":   d.ID.String(),
			"device_name": d.DisplayName(),
		},
	})

	return samples
}

// Degraded reports whether device list refresh has been failing
// persistently. Used by the health checker.
func (c *Collector) Degraded() bool {
	return c.degraded.Load()
}

// DeviceTotal returns the size of the current device list.
func (c *Collector) DeviceTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// errorType buckets an error for the fetch error counter.
func errorType(err error) string {
	switch {
	case apperrors.IsAuth(err):
		return "auth"
	case apperrors.IsNotFound(err):
		return "not_found"
	case apperrors.IsRateLimited(err):
		return "rate_limited"
	default:
		var netErr *apperrors.NetworkError
		if errors.As(err, &netErr) {
			return "network"
		}
		return "other"
	}
}
