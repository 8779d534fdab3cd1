// Package types provides core domain types and validation utilities for the
// SmartThings exporter. It defines fundamental types like DeviceID, DeviceName,
// CapabilityName and MetricName along with their validation logic.
package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DeviceID represents a unique identifier for a SmartThings device.
type DeviceID string

// DeviceName represents a human-readable name for a SmartThings device.
type DeviceName string

// CapabilityName represents a SmartThings capability attribute in snake_case.
type CapabilityName string

// MetricName represents a Prometheus metric name.
type MetricName string

var (
	// ErrInvalidDeviceID is returned when a device ID is invalid.
	ErrInvalidDeviceID = errors.New("invalid device ID")
	// ErrInvalidDeviceName is returned when a device name is invalid.
	ErrInvalidDeviceName = errors.New("invalid device name")
	// ErrInvalidCapabilityName is returned when a capability name is invalid.
	ErrInvalidCapabilityName = errors.New("invalid capability name")
	// ErrInvalidMetricName is returned when a metric name is invalid.
	ErrInvalidMetricName = errors.New("invalid metric name")

	capabilityNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	metricNameRegex     = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	camelBoundary       = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// NewDeviceID creates a new DeviceID with validation.
func NewDeviceID(id string) (DeviceID, error) {
	if id == "" {
		return "", fmt.Errorf("device ID cannot be empty")
	}
	if len(id) > 64 {
		return "", fmt.Errorf("device ID too long: %d characters", len(id))
	}
	return DeviceID(id), nil
}

// IsValid checks if the DeviceID is valid.
func (d DeviceID) IsValid() bool {
	return len(d) > 0 && len(d) <= 64
}

func (d DeviceID) String() string {
	return string(d)
}

// NewDeviceName creates a new DeviceName with validation.
func NewDeviceName(name string) (DeviceName, error) {
	if name == "" {
		return "", fmt.Errorf("device name cannot be empty")
	}
	if len(name) > 253 {
		return "", fmt.Errorf("device name too long: %d characters", len(name))
	}
	return DeviceName(name), nil
}

// IsValid checks if the DeviceName meets validation requirements.
func (d DeviceName) IsValid() bool {
	return len(d) > 0 && len(d) <= 253
}

func (d DeviceName) String() string {
	return string(d)
}

// NewCapabilityName creates a new CapabilityName, normalizing camelCase
// attribute names from the API into snake_case table keys.
func NewCapabilityName(name string) (CapabilityName, error) {
	normalized := Underscore(name)
	if normalized == "" {
		return "", fmt.Errorf("capability name cannot be empty")
	}
	if !capabilityNameRegex.MatchString(normalized) {
		return "", fmt.Errorf("invalid capability name format: %s", name)
	}
	return CapabilityName(normalized), nil
}

// IsValid checks if the CapabilityName meets validation requirements.
func (c CapabilityName) IsValid() bool {
	return len(c) > 0 && capabilityNameRegex.MatchString(string(c))
}

func (c CapabilityName) String() string {
	return string(c)
}

// NewMetricName creates a new MetricName with validation.
func NewMetricName(name string) (MetricName, error) {
	if name == "" {
		return "", fmt.Errorf("metric name cannot be empty")
	}
	if !metricNameRegex.MatchString(name) {
		return "", fmt.Errorf("invalid metric name format: %s", name)
	}
	return MetricName(name), nil
}

// IsValid checks if the MetricName meets validation requirements.
func (m MetricName) IsValid() bool {
	return len(m) > 0 && metricNameRegex.MatchString(string(m))
}

func (m MetricName) String() string {
	return string(m)
}

// Underscore converts a camelCase attribute name to snake_case.
// The SmartThings API reports attributes like coolingSetpoint; the mapping
// table is keyed by the snake_case form (cooling_setpoint).
func Underscore(s string) string {
	s = strings.TrimSpace(s)
	s = camelBoundary.ReplaceAllString(s, "${1}_${2}")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ToLower(s)
}
