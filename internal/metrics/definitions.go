// Package metrics runs the poll cycle that fetches SmartThings device
// status, resolves it through the mapping table and commits samples to
// the metric cache, and bridges the cache into Prometheus exposition.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCycleDuration tracks wall time per poll cycle.
	PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stmetrics_poll_cycle_duration_seconds",
		Help:    "Duration of complete poll cycles",
		Buckets: prometheus.DefBuckets,
	})

	// FetchErrors counts per-device status fetch failures by error type.
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmetrics_fetch_errors_total",
			Help: "Device status fetch errors by device and error type",
		},
		[]string{"device_id", "error_type"},
	)

	// DeviceListErrors counts failed device list refreshes.
	DeviceListErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmetrics_device_list_errors_total",
		Help: "Failed device list refreshes",
	})

	// DeviceCount tracks the number of devices currently being polled.
	DeviceCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stmetrics_devices",
		Help: "Number of devices currently polled",
	})

	// LastCycleSuccess is the Unix timestamp of the last cycle in which at
	// least one device commit landed.
	LastCycleSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stmetrics_last_poll_success_timestamp_seconds",
		Help: "Unix timestamp of the last poll cycle with a successful device fetch",
	})

	// ListDegraded is 1 while consecutive device list refreshes keep failing.
	ListDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stmetrics_device_list_degraded",
		Help: "1 when device list refresh has failed repeatedly, 0 otherwise",
	})

	// SkippedCycles counts poll ticks dropped because the previous cycle
	// was still running.
	SkippedCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmetrics_poll_cycles_skipped_total",
		Help: "Poll ticks skipped because the previous cycle was still in flight",
	})

	// SamplesCommitted counts metric samples committed to the cache.
	SamplesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stmetrics_samples_committed_total",
		Help: "Metric samples committed to the cache across all devices",
	})

	// UnmappedCapabilities counts readings with no mapping table entry.
	UnmappedCapabilities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmetrics_unmapped_capabilities_total",
			Help: "Capability readings skipped because no mapping rule matched",
		},
		[]string{"capability"},
	)
)
