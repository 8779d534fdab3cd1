package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/adyekjaer/smartthings-ac-exporter/internal/errors"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
	"github.com/adyekjaer/smartthings-ac-exporter/pkg/device"
)

func testBackoff() apperrors.Backoff {
	return apperrors.Backoff{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func newTestClient(t *testing.T, baseURL string, creds TokenSource) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:     baseURL,
		Credentials: creds,
		CallTimeout: 5 * time.Second,
		Backoff:     testBackoff(),
		RateLimit:   1000,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestListDevicesPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Expected bearer token header, got %q", got)
		}

		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"items":[{"deviceId":"dev-2","name":"bedroom-ac","label":"Bedroom A/C","components":[]}]}`)
			return
		}
		fmt.Fprintf(w, `{"items":[
			{"deviceId":"dev-1","name":"room-ac","label":"Samsung Room A/C",
			 "components":[{"id":"main","capabilities":[{"id":"temperatureMeasurement"},{"id":"switch"}]}]},
			{"deviceId":"","name":"ghost","components":[]}
		],"_links":{"next":{"href":"%s/devices?page=2"}}}`, server.URL)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	devices, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}

	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices (invalid one skipped), got %d", len(devices))
	}
	if devices[0].ID != "dev-1" || devices[1].ID != "dev-2" {
		t.Errorf("Expected dev-1, dev-2 in order, got %s, %s", devices[0].ID, devices[1].ID)
	}
	if devices[0].DisplayName() != "Samsung Room A/C" {
		t.Errorf("Expected label as display name, got %q", devices[0].DisplayName())
	}
	if len(devices[0].Capabilities) != 2 {
		t.Errorf("Expected 2 capabilities, got %v", devices[0].Capabilities)
	}
}

func TestGetStatusFlattening(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices/ac-1/status" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"components":{"main":{
			"temperatureMeasurement":{"temperature":{"value":22.5,"unit":"C","timestamp":"2026-08-30T10:00:00Z"}},
			"switch":{"switch":{"value":"on"}},
			"custom.nested":{"data":{"value":{"x":1}}}
		}}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	readings, err := client.GetStatus(context.Background(), types.DeviceID("ac-1"))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	if len(readings) != 2 {
		t.Fatalf("Expected 2 scalar readings (object skipped), got %d", len(readings))
	}

	byCap := map[types.CapabilityName]device.CapabilityReading{}
	for _, r := range readings {
		byCap[r.Capability] = r
	}

	temp, ok := byCap["temperature"]
	if !ok {
		t.Fatal("Expected temperature reading")
	}
	if temp.Value.Kind != device.KindNumber || temp.Value.Num != 22.5 {
		t.Errorf("Expected numeric 22.5, got %+v", temp.Value)
	}
	if temp.Unit != "C" {
		t.Errorf("Expected unit C, got %q", temp.Unit)
	}
	if temp.Timestamp.IsZero() || temp.Timestamp.Year() != 2026 {
		t.Errorf("Expected parsed timestamp, got %v", temp.Timestamp)
	}

	sw, ok := byCap["switch"]
	if !ok {
		t.Fatal("Expected switch reading")
	}
	if sw.Value.Kind != device.KindString || sw.Value.Str != "on" {
		t.Errorf("Expected string on, got %+v", sw.Value)
	}
}

func TestGetStatusDeduplicatesComponents(t *testing.T) {
	// Samsung appliances repeat attributes on a secondary component.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"components":{
			"1":{
				"switch":{"switch":{"value":"off"}},
				"custom.extra":{"extra":{"value":7}}
			},
			"main":{
				"switch":{"switch":{"value":"on"}},
				"temperatureMeasurement":{"temperature":{"value":21,"unit":"C"}}
			}
		}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	readings, err := client.GetStatus(context.Background(), types.DeviceID("ac-1"))
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	byCap := map[types.CapabilityName]int{}
	var sw device.CapabilityReading
	for _, r := range readings {
		byCap[r.Capability]++
		if r.Capability == "switch" {
			sw = r
		}
	}

	for name, n := range byCap {
		if n != 1 {
			t.Errorf("Expected one reading per capability, got %d for %s", n, name)
		}
	}
	if sw.Value.Str != "on" {
		t.Errorf("Expected the main component reading to win, got %+v", sw.Value)
	}
	if byCap["extra"] != 1 {
		t.Error("Expected the secondary-only capability to survive")
	}
}

func TestAuthRefreshRetriedOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer server.Close()

	creds := &countingSource{token: "tok-1", next: "tok-2"}
	client := newTestClient(t, server.URL, creds)

	if _, err := client.ListDevices(context.Background()); err != nil {
		t.Fatalf("Expected refresh-and-retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&creds.refreshes); got != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", got)
	}
}

func TestAuthErrorSurfacesAfterOneRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	creds := &countingSource{token: "tok-1", next: "tok-2"}
	client := newTestClient(t, server.URL, creds)

	_, err := client.ListDevices(context.Background())
	if !apperrors.IsAuth(err) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
	if got := atomic.LoadInt32(&creds.refreshes); got != 1 {
		t.Errorf("Expected exactly 1 refresh before surfacing, got %d", got)
	}
}

func TestRateLimitBoundedAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	_, err := client.ListDevices(context.Background())
	if !apperrors.IsRateLimited(err) {
		t.Fatalf("Expected RateLimited, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 bounded attempts, got %d", got)
	}
}

func TestServerErrorRetriedThenSurfaced(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	_, err := client.ListDevices(context.Background())
	var netErr *apperrors.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if netErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected last status 503, got %d", netErr.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 bounded attempts, got %d", got)
	}
}

func TestServerErrorRecoversWithinBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	if _, err := client.ListDevices(context.Background()); err != nil {
		t.Fatalf("Expected recovery on final attempt, got %v", err)
	}
}

func TestNotFoundNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, NewStaticToken("test-token"))

	_, err := client.GetStatus(context.Background(), types.DeviceID("gone-1"))
	if !apperrors.IsNotFound(err) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected no retry on 404, got %d calls", got)
	}
}

func TestConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"components":{}}`)
	}))
	defer server.Close()

	creds := &countingSource{token: "tok-1", next: "tok-2", delay: 20 * time.Millisecond}
	client := newTestClient(t, server.URL, creds)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.GetStatus(context.Background(), types.DeviceID(fmt.Sprintf("dev-%d", i)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("fetch %d failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&creds.refreshes); got != 1 {
		t.Errorf("Expected a single shared refresh across parallel fetches, got %d", got)
	}
}

// countingSource is a TokenSource that swaps to a second token on refresh
// and counts refresh executions. Concurrent refreshes of the same stale
// token coalesce, mirroring the production single-flight behavior.
type countingSource struct {
	mu        sync.Mutex
	token     string
	next      string
	delay     time.Duration
	refreshes int32
}

func (cs *countingSource) Token(ctx context.Context) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.token, nil
}

func (cs *countingSource) Refresh(ctx context.Context, stale string) (string, error) {
	cs.mu.Lock()
	if cs.token != stale {
		current := cs.token
		cs.mu.Unlock()
		return current, nil
	}
	cs.mu.Unlock()

	if cs.delay > 0 {
		time.Sleep(cs.delay)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.token == stale {
		atomic.AddInt32(&cs.refreshes, 1)
		cs.token = cs.next
	}
	return cs.token, nil
}
