// Package cache provides the concurrency-safe metric cache that decouples
// polling from exposition. Poll cycles commit per-device sample batches;
// scrapes read a consistent snapshot.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/mapping"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
)

var (
	cacheDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stmetrics_cache_size_devices",
		Help: "Number of devices with committed samples in the metric cache",
	})

	cacheSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stmetrics_cache_size_samples",
		Help: "Total number of metric samples held in the metric cache",
	})

	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmetrics_cache_commits_total",
		Help: "Number of per-device sample batches committed to the cache",
	})
)

// Sample is one fully-resolved metric sample ready for exposition.
type Sample struct {
	Name  types.MetricName
	Kind  mapping.Kind
	Help  string
	Unit  string
	Value float64
	// Labels are the exposition labels beyond device identity.
	Labels map[string]string
}

// DeviceBatch holds the committed samples for one device plus commit metadata.
type DeviceBatch struct {
	DeviceID   types.DeviceID
	DeviceName string
	Samples    []Sample
	// CommittedAt is when this batch replaced the previous one.
	CommittedAt time.Time
	// Cycle is the poll cycle sequence number of the commit.
	Cycle uint64
}

// Stats summarizes cache contents for health reporting.
type Stats struct {
	DeviceCount  int       `json:"device_count"`
	SampleCount  int       `json:"sample_count"`
	LastCommit   time.Time `json:"last_commit"`
	CommitCount  uint64    `json:"commit_count"`
	CurrentCycle uint64    `json:"current_cycle"`
}

// MetricCache stores the latest sample batch per device. A batch commit
// replaces the device's previous batch atomically; readers never observe
// a device mid-update. Samples from devices that failed their last fetch
// are retained until the device is removed.
type MetricCache struct {
	mu          sync.RWMutex
	batches     map[types.DeviceID]*DeviceBatch
	lastCommit  time.Time
	commitCount uint64
	cycle       uint64
}

// NewMetricCache creates an empty metric cache.
func NewMetricCache() *MetricCache {
	return &MetricCache{
		batches: make(map[types.DeviceID]*DeviceBatch),
	}
}

// BeginCycle advances the poll cycle sequence and returns the new value.
// Commits made with this value are attributable to the cycle.
func (mc *MetricCache) BeginCycle() uint64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.cycle++
	return mc.cycle
}

// Commit atomically replaces the sample batch for one device. An empty
// samples slice still records the commit so staleness tracking advances.
func (mc *MetricCache) Commit(deviceID types.DeviceID, deviceName string, cycle uint64, samples []Sample) {
	batch := &DeviceBatch{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Samples:     samples,
		CommittedAt: time.Now(),
		Cycle:       cycle,
	}

	mc.mu.Lock()
	mc.batches[deviceID] = batch
	mc.lastCommit = batch.CommittedAt
	mc.commitCount++
	mc.updateGauges()
	mc.mu.Unlock()

	commitsTotal.Inc()
}

// Snapshot returns all committed batches ordered by device ID. The returned
// batches are shared read-only; callers must not mutate them.
func (mc *MetricCache) Snapshot() []*DeviceBatch {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]*DeviceBatch, 0, len(mc.batches))
	for _, batch := range mc.batches {
		out = append(out, batch)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})

	return out
}

// Remove drops a device's samples, typically after the device disappears
// from the device list. Returns true when the device was present.
func (mc *MetricCache) Remove(deviceID types.DeviceID) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.batches[deviceID]; !ok {
		return false
	}

	delete(mc.batches, deviceID)
	mc.updateGauges()
	return true
}

// Retain drops every device not present in keep. Used after a successful
// device list refresh so removed devices stop being exported.
func (mc *MetricCache) Retain(keep map[types.DeviceID]bool) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var removed int
	for id := range mc.batches {
		if !keep[id] {
			delete(mc.batches, id)
			removed++
		}
	}

	if removed > 0 {
		mc.updateGauges()
	}

	return removed
}

// GetStats returns current cache statistics.
func (mc *MetricCache) GetStats() Stats {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var sampleCount int
	for _, batch := range mc.batches {
		sampleCount += len(batch.Samples)
	}

	return Stats{
		DeviceCount:  len(mc.batches),
		SampleCount:  sampleCount,
		LastCommit:   mc.lastCommit,
		CommitCount:  mc.commitCount,
		CurrentCycle: mc.cycle,
	}
}

// Clear removes all committed batches.
func (mc *MetricCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.batches = make(map[types.DeviceID]*DeviceBatch)
	mc.lastCommit = time.Time{}
	mc.updateGauges()
}

// updateGauges must be called with mc.mu held.
func (mc *MetricCache) updateGauges() {
	var sampleCount int
	for _, batch := range mc.batches {
		sampleCount += len(batch.Samples)
	}

	cacheDevices.Set(float64(len(mc.batches)))
	cacheSamples.Set(float64(sampleCount))
}
