// Package api provides HTTP client functionality for interacting with the SmartThings API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/adyekjaer/smartthings-ac-exporter/internal/errors"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
	"github.com/adyekjaer/smartthings-ac-exporter/pkg/device"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Credentials TokenSource
	CallTimeout time.Duration
	Backoff     apperrors.Backoff
	// RateLimit paces outgoing requests, in requests per second.
	RateLimit float64
}

// Client wraps authenticated calls to the SmartThings API.
// It owns retry/backoff and token-refresh concerns; callers see only the
// final error after the retry budget is spent.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      TokenSource
	timeout    time.Duration
	backoff    apperrors.Backoff
	limiter    *rate.Limiter
}

// NewClient creates a SmartThings API client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("no API base URL configured")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("no credential source configured")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
		baseURL: opts.BaseURL,
		creds:   opts.Credentials,
		timeout: opts.CallTimeout,
		backoff: opts.Backoff,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
	}, nil
}

// ListDevices returns all devices visible to the credential, following
// pagination. The order is as returned by the API.
func (c *Client) ListDevices(ctx context.Context) ([]device.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var devices []device.Device
	url := c.baseURL + "/devices"

	for url != "" {
		body, err := c.get(ctx, url, "")
		if err != nil {
			return nil, err
		}

		var page devicesAPIResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode devices response: %w", err)
		}

		for _, d := range page.Items {
			if dev, ok := convertAPIDevice(d); ok {
				devices = append(devices, dev)
			}
		}

		url = page.Links.Next.Href
	}

	return devices, nil
}

// GetStatus returns the current capability readings for one device.
func (c *Client) GetStatus(ctx context.Context, id types.DeviceID) ([]device.CapabilityReading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/devices/%s/status", c.baseURL, id)
	body, err := c.get(ctx, url, id.String())
	if err != nil {
		return nil, err
	}

	var status statusAPIResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode status response for %s: %w", id, err)
	}

	return flattenStatus(status), nil
}

// get performs one GET with the full failure policy: client-side pacing,
// one transparent token refresh on 401, bounded backoff on 429 and 5xx.
func (c *Client) get(ctx context.Context, url, deviceID string) ([]byte, error) {
	refreshed := false
	attempt := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &apperrors.NetworkError{Endpoint: url, Attempts: attempt + 1, Underlying: err}
		}

		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, &apperrors.AuthError{Endpoint: url, Underlying: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryErr := c.waitRetry(ctx, url, attempt, 0, 0); retryErr != nil {
				return nil, &apperrors.NetworkError{Endpoint: url, Attempts: attempt + 1, Underlying: err}
			}
			attempt++
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, fmt.Errorf("read response body: %w", readErr)
			}
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return nil, &apperrors.AuthError{Endpoint: url, Underlying: fmt.Errorf("credential rejected after refresh")}
			}
			refreshed = true
			if _, err := c.creds.Refresh(ctx, token); err != nil {
				return nil, &apperrors.AuthError{Endpoint: url, Underlying: err}
			}
			slog.Debug("credential refreshed after 401", "endpoint", url)
			// The refresh retry does not consume a backoff attempt.
			continue

		case resp.StatusCode == http.StatusNotFound:
			return nil, &apperrors.NotFoundError{DeviceID: deviceID, Endpoint: url}

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if retryErr := c.waitRetry(ctx, url, attempt, resp.StatusCode, retryAfter); retryErr != nil {
				return nil, &apperrors.RateLimited{Endpoint: url, Attempts: attempt + 1, RetryAfter: retryAfter}
			}
			attempt++
			continue

		case resp.StatusCode >= 500:
			if retryErr := c.waitRetry(ctx, url, attempt, resp.StatusCode, 0); retryErr != nil {
				return nil, &apperrors.NetworkError{
					Endpoint:   url,
					StatusCode: resp.StatusCode,
					Attempts:   attempt + 1,
					Underlying: fmt.Errorf("server error: %s", truncate(body)),
				}
			}
			attempt++
			continue

		default:
			return nil, &apperrors.NetworkError{
				Endpoint:   url,
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
				Underlying: fmt.Errorf("unexpected status: %s", truncate(body)),
			}
		}
	}
}

// waitRetry sleeps before the next attempt, or returns an error when the
// retry budget is exhausted or the context expires.
func (c *Client) waitRetry(ctx context.Context, url string, attempt, status int, retryAfter time.Duration) error {
	if attempt+1 >= c.backoff.MaxAttempts {
		return fmt.Errorf("retry budget exhausted")
	}

	delay := c.backoff.Delay(attempt)
	if retryAfter > delay {
		delay = retryAfter
	}

	slog.Debug("retrying API call", "endpoint", url, "attempt", attempt+1, "status", status, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 0
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

func convertAPIDevice(d apiDevice) (device.Device, bool) {
	deviceID, err := types.NewDeviceID(d.DeviceID)
	if err != nil {
		slog.Warn("skipping device with invalid ID", "device", d.Name, "error", err)
		return device.Device{}, false
	}

	name := d.Name
	if name == "" {
		name = d.Label
	}
	deviceName, err := types.NewDeviceName(name)
	if err != nil {
		slog.Warn("skipping device with invalid name", "device_id", d.DeviceID, "error", err)
		return device.Device{}, false
	}

	var capabilities []types.CapabilityName
	for _, comp := range d.Components {
		for _, c := range comp.Capabilities {
			capName, err := types.NewCapabilityName(c.ID)
			if err != nil {
				continue
			}
			capabilities = append(capabilities, capName)
		}
	}

	return device.Device{
		ID:           deviceID,
		Name:         deviceName,
		Label:        d.Label,
		Capabilities: capabilities,
	}, true
}

// flattenStatus turns the nested component/capability/attribute document
// into flat readings. Attributes without a scalar value are skipped.
// Some appliances repeat the same attributes on a secondary component;
// the first component to report an attribute wins, with "main" ordered
// first, so one device never yields two readings for one capability.
func flattenStatus(status statusAPIResponse) []device.CapabilityReading {
	var readings []device.CapabilityReading
	seen := make(map[types.CapabilityName]bool)

	for _, component := range componentOrder(status.Components) {
		for _, attributes := range status.Components[component] {
			for attrName, attr := range attributes {
				value, ok := device.ParseValue(attr.Value)
				if !ok {
					continue
				}

				capName, err := types.NewCapabilityName(attrName)
				if err != nil {
					continue
				}
				if seen[capName] {
					continue
				}
				seen[capName] = true

				reading := device.CapabilityReading{
					Capability: capName,
					Value:      value,
					Unit:       attr.Unit,
					Timestamp:  time.Now(),
				}
				if attr.Timestamp != "" {
					if ts, err := time.Parse(time.RFC3339, attr.Timestamp); err == nil {
						reading.Timestamp = ts
					}
				}

				readings = append(readings, reading)
			}
		}
	}

	return readings
}

// componentOrder lists component ids with "main" first and the rest
// sorted, so duplicate-attribute resolution is deterministic.
func componentOrder(components map[string]map[string]map[string]attributeStatus) []string {
	ids := make([]string, 0, len(components))
	for id := range components {
		if id != "main" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := components["main"]; ok {
		ids = append([]string{"main"}, ids...)
	}
	return ids
}

// devicesAPIResponse represents one page of the device listing.
type devicesAPIResponse struct {
	Items []apiDevice `json:"items"`
	Links apiLinks    `json:"_links"`
}

type apiLinks struct {
	Next apiHref `json:"next"`
}

type apiHref struct {
	Href string `json:"href"`
}

// apiDevice represents a device as returned by the SmartThings API.
type apiDevice struct {
	DeviceID   string         `json:"deviceId"`
	Name       string         `json:"name"`
	Label      string         `json:"label"`
	Components []apiComponent `json:"components"`
}

type apiComponent struct {
	ID           string          `json:"id"`
	Capabilities []apiCapability `json:"capabilities"`
}

type apiCapability struct {
	ID string `json:"id"`
}

// statusAPIResponse maps component -> capability -> attribute -> status.
type statusAPIResponse struct {
	Components map[string]map[string]map[string]attributeStatus `json:"components"`
}

type attributeStatus struct {
	Value     json.RawMessage `json:"value"`
	Unit      string          `json:"unit"`
	Timestamp string          `json:"timestamp"`
}
