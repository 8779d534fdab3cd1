package metrics

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/cache"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/config"
	apperrors "github.com/adyekjaer/smartthings-ac-exporter/internal/errors"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/mapping"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
	"github.com/adyekjaer/smartthings-ac-exporter/pkg/device"
)

const collectorTestTable = `
capabilities:
  temperature:
    metric: smartthings_ac_temperature_celsius
    kind: gauge
    unit: celsius
    help: Current temperature reading
    transform: identity
  switch:
    metric: smartthings_ac_switch_state
    kind: gauge
    help: Power switch state
    transform: bool
  air_conditioner_mode:
    metric: smartthings_ac_mode
    kind: gauge
    help: Operating mode
    transform: enum
    values:
      cool: 0
      dry: 1
      auto: 3
`

type fakeAPI struct {
	mu        sync.Mutex
	devices   []device.Device
	listErr   error
	statuses  map[types.DeviceID][]device.CapabilityReading
	statusErr map[types.DeviceID]error
	// block, when non-nil, stalls GetStatus until closed.
	block chan struct{}

	listCalls   int
	statusCalls int
}

func (f *fakeAPI) ListDevices(ctx context.Context) ([]device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.devices, nil
}

func (f *fakeAPI) GetStatus(ctx context.Context, id types.DeviceID) ([]device.CapabilityReading, error) {
	f.mu.Lock()
	block := f.block
	f.statusCalls++
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.statusErr[id]; ok {
		return nil, err
	}
	return f.statuses[id], nil
}

func testDevice(id, label string) device.Device {
	return device.Device{
		ID:    types.DeviceID(id),
		Name:  types.DeviceName(id),
		Label: label,
	}
}

func testCollector(t *testing.T, client *fakeAPI, cfg config.Config) (*Collector, *cache.MetricCache) {
	t.Helper()
	table, err := mapping.Parse([]byte(collectorTestTable))
	if err != nil {
		t.Fatalf("Failed to parse test mapping table: %v", err)
	}
	if cfg.MaxInflightFetches == 0 {
		cfg.MaxInflightFetches = 2
	}
	mc := cache.NewMetricCache()
	return NewCollector(cfg, client, table, mc), mc
}

func TestRunCycleCommitsResolvedSamples(t *testing.T) {
	client := &fakeAPI{
		devices: []device.Device{testDevice("ac-1", "Living Room AC")},
		statuses: map[types.DeviceID][]device.CapabilityReading{
			"ac-1": {
				{Capability: "temperature", Value: device.NumberValue(22.5), Unit: "C"},
				{Capability: "switch", Value: device.StringValue("on")},
				{Capability: "air_conditioner_mode", Value: device.StringValue("cool")},
				{Capability: "unmapped_thing", Value: device.NumberValue(9)},
			},
		},
	}

	c, mc := testCollector(t, client, config.Config{})
	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices failed: %v", err)
	}
	if !c.RunCycle(context.Background()) {
		t.Fatal("Expected cycle to run")
	}

	snap := mc.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 device batch, got %d", len(snap))
	}

	// 3 mapped readings + last poll timestamp; unmapped skipped.
	batch := snap[0]
	if len(batch.Samples) != 4 {
		t.Fatalf("Expected 4 samples, got %d: %+v", len(batch.Samples), batch.Samples)
	}

	byName := map[types.MetricName]cache.Sample{}
	for _, s := range batch.Samples {
		byName[s.Name] = s
	}

	if s := byName["smartthings_ac_temperature_celsius"]; s.Value != 22.5 {
		t.Errorf("Expected temperature 22.5, got %v", s.Value)
	}
	if s := byName["smartthings_ac_switch_state"]; s.Value != 1 {
		t.Errorf("Expected switch state 1, got %v", s.Value)
	}
	if s := byName["smartthings_ac_mode"]; s.Value != 0 {
		t.Errorf("Expected mode code 0 for cool, got %v", s.Value)
	}
	if s := byName["smartthings_ac_temperature_celsius"]; s.Labels["device_name"] != "Living Room AC" {
		t.Errorf("Expected device_name label, got %v", s.Labels)
	}
	if _, ok := byName[lastPollMetric]; !ok {
		t.Error("Expected last poll timestamp sample")
	}
}

func TestFailedDeviceKeepsPreviousBatch(t *testing.T) {
	client := &fakeAPI{
		devices: []device.Device{testDevice("ac-1", "a")},
		statuses: map[types.DeviceID][]device.CapabilityReading{
			"ac-1": {{Capability: "temperature", Value: device.NumberValue(21)}},
		},
		statusErr: map[types.DeviceID]error{},
	}

	c, mc := testCollector(t, client, config.Config{})
	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices failed: %v", err)
	}
	c.RunCycle(context.Background())

	client.mu.Lock()
	client.statusErr["ac-1"] = &apperrors.NetworkError{
		Endpoint:   "/devices/ac-1/status",
		StatusCode: http.StatusBadGateway,
		Attempts:   3,
	}
	client.mu.Unlock()

	c.RunCycle(context.Background())

	snap := mc.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected stale batch retained after failure, got %d batches", len(snap))
	}
	if snap[0].Cycle != 1 {
		t.Errorf("Expected batch from cycle 1 retained, got cycle %d", snap[0].Cycle)
	}
}

func TestTickSkippedWhileCycleInFlight(t *testing.T) {
	block := make(chan struct{})
	client := &fakeAPI{
		devices: []device.Device{testDevice("ac-1", "a")},
		block:   block,
	}

	c, _ := testCollector(t, client, config.Config{})
	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices failed: %v", err)
	}

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		c.RunCycle(context.Background())
		close(done)
	}()

	<-started
	// Wait for the in-flight flag; the goroutine holds it while blocked.
	deadline := time.After(time.Second)
	for !c.inFlight.Load() {
		select {
		case <-deadline:
			t.Fatal("Cycle never started")
		case <-time.After(time.Millisecond):
		}
	}

	if c.RunCycle(context.Background()) {
		t.Error("Expected overlapping tick to be skipped")
	}

	close(block)
	<-done

	if !c.RunCycle(context.Background()) {
		t.Error("Expected cycle to run again after previous finished")
	}
}

func TestDeviceListDegradedAfterConsecutiveFailures(t *testing.T) {
	client := &fakeAPI{
		listErr: &apperrors.NetworkError{Endpoint: "/devices", StatusCode: http.StatusBadGateway},
	}

	c, _ := testCollector(t, client, config.Config{})

	for i := 0; i < degradedThreshold-1; i++ {
		if err := c.RefreshDevices(context.Background()); err == nil {
			t.Fatal("Expected refresh error")
		}
		if c.Degraded() {
			t.Fatalf("Degraded too early after %d failures", i+1)
		}
	}

	if err := c.RefreshDevices(context.Background()); err == nil {
		t.Fatal("Expected refresh error")
	}
	if !c.Degraded() {
		t.Error("Expected degraded after threshold failures")
	}

	// One success clears the condition.
	client.mu.Lock()
	client.listErr = nil
	client.devices = []device.Device{testDevice("ac-1", "a")}
	client.mu.Unlock()

	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if c.Degraded() {
		t.Error("Expected degraded cleared after successful refresh")
	}
	if c.DeviceTotal() != 1 {
		t.Errorf("Expected 1 device after refresh, got %d", c.DeviceTotal())
	}
}

func TestPollTickRetriesEmptyDeviceList(t *testing.T) {
	client := &fakeAPI{
		listErr: &apperrors.NetworkError{Endpoint: "/devices", StatusCode: http.StatusBadGateway},
		statuses: map[types.DeviceID][]device.CapabilityReading{
			"ac-1": {{Capability: "temperature", Value: device.NumberValue(21)}},
		},
	}

	c, mc := testCollector(t, client, config.Config{})

	if err := c.RefreshDevices(context.Background()); err == nil {
		t.Fatal("Expected initial refresh to fail")
	}
	if c.DeviceTotal() != 0 {
		t.Fatalf("Expected empty device list, got %d", c.DeviceTotal())
	}

	// The API recovers before the slow refresh cadence comes around;
	// the next poll tick picks up the list itself.
	client.mu.Lock()
	client.listErr = nil
	client.devices = []device.Device{testDevice("ac-1", "a")}
	client.mu.Unlock()

	c.pollTick(context.Background())

	if c.DeviceTotal() != 1 {
		t.Fatalf("Expected poll tick to recover the device list, got %d devices", c.DeviceTotal())
	}
	if got := len(mc.Snapshot()); got != 1 {
		t.Errorf("Expected the same tick to poll the device, got %d batches", got)
	}

	// With a populated list the tick does not re-list.
	client.mu.Lock()
	listCalls := client.listCalls
	client.mu.Unlock()

	c.pollTick(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.listCalls != listCalls {
		t.Errorf("Expected no refresh on a populated list, got %d extra calls", client.listCalls-listCalls)
	}
}

func TestRemovedDeviceDroppedFromCache(t *testing.T) {
	client := &fakeAPI{
		devices: []device.Device{testDevice("ac-1", "a"), testDevice("ac-2", "b")},
		statuses: map[types.DeviceID][]device.CapabilityReading{
			"ac-1": {{Capability: "temperature", Value: device.NumberValue(20)}},
			"ac-2": {{Capability: "temperature", Value: device.NumberValue(21)}},
		},
	}

	c, mc := testCollector(t, client, config.Config{})
	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices failed: %v", err)
	}
	c.RunCycle(context.Background())

	if got := len(mc.Snapshot()); got != 2 {
		t.Fatalf("Expected 2 batches, got %d", got)
	}

	client.mu.Lock()
	client.devices = client.devices[:1]
	client.mu.Unlock()

	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices failed: %v", err)
	}

	snap := mc.Snapshot()
	if len(snap) != 1 || snap[0].DeviceID != "ac-1" {
		t.Fatalf("Expected only ac-1 retained, got %v", snap)
	}
}

func TestTargetDeviceFilter(t *testing.T) {
	client := &fakeAPI{
		devices: []device.Device{
			testDevice("ac-1", "Living Room AC"),
			testDevice("ac-2", "Bedroom AC"),
			testDevice("ac-3", "Office AC"),
		},
	}

	cfg := config.Config{TargetDevices: []string{"AC-1", "bedroom ac"}}
	c, _ := testCollector(t, client, cfg)

	if err := c.RefreshDevices(context.Background()); err != nil {
		t.Fatalf("RefreshDevices failed: %v", err)
	}
	if c.DeviceTotal() != 2 {
		t.Errorf("Expected 2 devices after case-insensitive filter, got %d", c.DeviceTotal())
	}
}

func TestErrorTypeBuckets(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"auth", &apperrors.AuthError{Endpoint: "/devices"}, "auth"},
		{"not found", &apperrors.NotFoundError{DeviceID: "x"}, "not_found"},
		{"rate limited", &apperrors.RateLimited{Endpoint: "/devices"}, "rate_limited"},
		{"network", &apperrors.NetworkError{Endpoint: "/devices"}, "network"},
		{"context", context.DeadlineExceeded, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorType(tt.err); got != tt.want {
				t.Errorf("errorType(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
