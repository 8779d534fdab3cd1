// Package device provides types and utilities for SmartThings device representation.
package device

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
)

// Device represents a SmartThings device with its metadata and declared capabilities.
type Device struct {
	ID           types.DeviceID         `json:"deviceId"`
	Name         types.DeviceName       `json:"name"`
	Label        string                 `json:"label"`
	Capabilities []types.CapabilityName `json:"capabilities"`
}

// Validate checks if the device has valid required fields.
func (d Device) Validate() error {
	if !d.ID.IsValid() {
		return types.ErrInvalidDeviceID
	}
	if !d.Name.IsValid() {
		return types.ErrInvalidDeviceName
	}
	for _, c := range d.Capabilities {
		if !c.IsValid() {
			return types.ErrInvalidCapabilityName
		}
	}
	return nil
}

// DisplayName returns the user-assigned label when present, otherwise the
// device name. Labels are what the SmartThings app shows ("Samsung Room A/C").
func (d Device) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name.String()
}

// ValueKind discriminates the closed set of capability value shapes.
type ValueKind int

const (
	// KindNumber is a numeric attribute value (temperature, setpoint, power).
	KindNumber ValueKind = iota
	// KindBool is a boolean attribute value.
	KindBool
	// KindString is a categorical attribute value (mode names, on/off).
	KindString
)

// Value is a closed tagged variant for a capability attribute value.
// Exactly one of the payload fields is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Str  string
}

// NumberValue constructs a numeric Value.
func NumberValue(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// BoolValue constructs a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// StringValue constructs a string Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// ParseValue converts a raw JSON attribute value into a Value.
// Objects, arrays and null do not form Values; ok is false for those and
// the caller skips the reading.
func ParseValue(raw json.RawMessage) (Value, bool) {
	if len(raw) == 0 {
		return Value{}, false
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return NumberValue(num), true
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return BoolValue(b), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return StringValue(s), true
	}

	return Value{}, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return v.Str
	}
}

// CapabilityReading is one observed capability attribute for a device,
// produced fresh each poll cycle and never mutated.
type CapabilityReading struct {
	Capability types.CapabilityName
	Value      Value
	Unit       string
	Timestamp  time.Time
}
