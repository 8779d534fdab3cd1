package metrics

import (
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/cache"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/mapping"
)

// Exporter bridges the metric cache into a Prometheus registry. Every
// scrape renders the latest committed batches as const metrics, so a
// scrape never triggers remote calls and always sees whole batches.
//
// The exporter also renders the mapping table's enum encodings as
// static info metrics so dashboards can decode integer states.
type Exporter struct {
	cache *cache.MetricCache
	table *mapping.Table
}

// NewExporter creates an exposition bridge over the cache and table.
func NewExporter(mc *cache.MetricCache, table *mapping.Table) *Exporter {
	return &Exporter{cache: mc, table: table}
}

// Describe intentionally sends nothing, making this an unchecked
// collector: the metric set varies with the devices being polled.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {}

// Collect renders the current cache snapshot.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for _, batch := range e.cache.Snapshot() {
		for _, s := range batch.Samples {
			m, err := constMetric(s)
			if err != nil {
				slog.Warn("skipping unrenderable sample",
					"metric", s.Name.String(),
					"device_id", batch.DeviceID.String(),
					"error", err)
				continue
			}
			ch <- m
		}
	}

	for _, info := range e.table.InfoSamples() {
		desc := prometheus.NewDesc(
			info.Metric.String(),
			info.Help,
			[]string{"capability", "state"},
			nil,
		)
		m, err := prometheus.NewConstMetric(
			desc,
			prometheus.GaugeValue,
			float64(info.Code),
			info.Capability.String(),
			info.State,
		)
		if err != nil {
			continue
		}
		ch <- m
	}
}

func constMetric(s cache.Sample) (prometheus.Metric, error) {
	keys := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = s.Labels[k]
	}

	valueType := prometheus.GaugeValue
	if s.Kind == mapping.KindCounter {
		valueType = prometheus.CounterValue
	}

	desc := prometheus.NewDesc(s.Name.String(), s.Help, keys, nil)
	return prometheus.NewConstMetric(desc, valueType, s.Value, values...)
}
