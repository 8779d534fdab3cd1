// Package mapping provides the declarative capability-to-metric table.
// The table is loaded once at startup and is immutable for the process
// lifetime; transform rules are pure functions over capability values.
package mapping

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/adyekjaer/smartthings-ac-exporter/internal/errors"
	"github.com/adyekjaer/smartthings-ac-exporter/internal/types"
	"github.com/adyekjaer/smartthings-ac-exporter/pkg/device"
)

//go:embed default_mapping.yaml
var defaultTable []byte

// Kind is the Prometheus metric kind of a mapped sample.
type Kind string

const (
	KindGauge   Kind = "gauge"
	KindCounter Kind = "counter"
	KindInfo    Kind = "info"
)

// Transform identifies the pure value-transform rule applied to raw values.
type Transform string

const (
	// TransformIdentity passes numeric values through unchanged.
	TransformIdentity Transform = "identity"
	// TransformBool encodes boolean and on/off style values as 1/0.
	TransformBool Transform = "bool"
	// TransformEnum encodes categorical string values to stable integer codes.
	TransformEnum Transform = "enum"
)

// Rule declares how one capability maps onto a metric.
// Fields map 1:1 to the mapping table document.
type Rule struct {
	// Metric is the full Prometheus metric name to emit.
	Metric string `yaml:"metric"`

	// Kind is one of: gauge | counter | info.
	Kind Kind `yaml:"kind"`

	// Unit is a free-form unit hint carried into the metric help text.
	Unit string `yaml:"unit"`

	// Help is the exposition HELP text for the metric family.
	Help string `yaml:"help"`

	// Transform is one of: identity | bool | enum.
	Transform Transform `yaml:"transform"`

	// Values is the enum state -> code table, required when Transform is enum.
	Values map[string]int `yaml:"values"`
}

type document struct {
	Capabilities map[string]Rule `yaml:"capabilities"`
}

// Fragment is the mapped portion of a metric sample: everything except the
// device labels, which the collector attaches.
type Fragment struct {
	Metric types.MetricName
	Kind   Kind
	Unit   string
	Help   string
	Value  float64
	// State carries the raw categorical value for info-kind fragments.
	State string
}

// InfoSample describes one enum encoding entry, exported as an info-kind
// metric so the integer codes are self-describing.
type InfoSample struct {
	Metric     types.MetricName
	Help       string
	Capability types.CapabilityName
	State      string
	Code       int
}

// Table is the immutable capability-to-metric mapping.
type Table struct {
	rules map[types.CapabilityName]Rule
}

// Load reads and validates a mapping table document from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping table %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDefault returns the embedded default table, which mirrors the
// capability whitelist of the original AC exporter.
func LoadDefault() (*Table, error) {
	return Parse(defaultTable)
}

// Parse decodes and validates a mapping table document.
// Malformed entries fail hard rather than being skipped: a broken table
// silently drops metrics a user expects.
func Parse(data []byte) (*Table, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &apperrors.MappingError{Reason: fmt.Sprintf("parse YAML: %v", err)}
	}
	if len(doc.Capabilities) == 0 {
		return nil, &apperrors.MappingError{Reason: "no capabilities declared"}
	}

	rules := make(map[types.CapabilityName]Rule, len(doc.Capabilities))
	for key, rule := range doc.Capabilities {
		capName, err := types.NewCapabilityName(key)
		if err != nil {
			return nil, &apperrors.MappingError{Capability: key, Field: "capability", Reason: err.Error()}
		}
		if err := validateRule(key, rule); err != nil {
			return nil, err
		}
		if rule.Transform == TransformEnum {
			folded, err := foldEnumStates(key, rule.Values)
			if err != nil {
				return nil, err
			}
			rule.Values = folded
		}
		rules[capName] = rule
	}

	return &Table{rules: rules}, nil
}

func validateRule(key string, rule Rule) error {
	if _, err := types.NewMetricName(rule.Metric); err != nil {
		return &apperrors.MappingError{Capability: key, Field: "metric", Reason: err.Error()}
	}

	switch rule.Kind {
	case KindGauge, KindCounter, KindInfo:
	case "":
		return &apperrors.MappingError{Capability: key, Field: "kind", Reason: "missing (expected gauge, counter or info)"}
	default:
		return &apperrors.MappingError{Capability: key, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", rule.Kind)}
	}

	switch rule.Transform {
	case TransformIdentity, TransformBool:
		if len(rule.Values) > 0 {
			return &apperrors.MappingError{Capability: key, Field: "values", Reason: fmt.Sprintf("values table not allowed with transform %q", rule.Transform)}
		}
	case TransformEnum:
		if len(rule.Values) == 0 {
			return &apperrors.MappingError{Capability: key, Field: "values", Reason: "enum transform requires a non-empty values table"}
		}
	case "":
		return &apperrors.MappingError{Capability: key, Field: "transform", Reason: "missing (expected identity, bool or enum)"}
	default:
		return &apperrors.MappingError{Capability: key, Field: "transform", Reason: fmt.Sprintf("unknown transform %q", rule.Transform)}
	}

	return nil
}

// foldEnumStates lowercases enum state keys so they match the folded
// raw values Resolve looks up. Two states that collide after folding
// are a table-authoring error and fail the load.
func foldEnumStates(key string, values map[string]int) (map[string]int, error) {
	folded := make(map[string]int, len(values))
	for state, code := range values {
		lower := strings.ToLower(state)
		if _, dup := folded[lower]; dup {
			return nil, &apperrors.MappingError{Capability: key, Field: "values", Reason: fmt.Sprintf("duplicate state %q after case folding", lower)}
		}
		folded[lower] = code
	}
	return folded, nil
}

// Len returns the number of mapped capabilities.
func (t *Table) Len() int {
	return len(t.rules)
}

// Resolve maps a capability value to a metric fragment.
// Unmapped capabilities and enum states absent from the table return
// ok=false; the table is intentionally partial and this is not an error.
func (t *Table) Resolve(capability types.CapabilityName, value device.Value) (Fragment, bool) {
	rule, exists := t.rules[capability]
	if !exists {
		return Fragment{}, false
	}

	frag := Fragment{
		Metric: types.MetricName(rule.Metric),
		Kind:   rule.Kind,
		Unit:   rule.Unit,
		Help:   rule.Help,
	}

	switch rule.Transform {
	case TransformIdentity:
		if rule.Kind == KindInfo {
			if value.Kind != device.KindString {
				return Fragment{}, false
			}
			frag.Value = 1
			frag.State = value.Str
			return frag, true
		}
		if value.Kind != device.KindNumber {
			return Fragment{}, false
		}
		frag.Value = value.Num
		return frag, true

	case TransformBool:
		encoded, ok := encodeBool(value)
		if !ok {
			return Fragment{}, false
		}
		frag.Value = encoded
		return frag, true

	case TransformEnum:
		if value.Kind != device.KindString {
			return Fragment{}, false
		}
		code, ok := rule.Values[strings.ToLower(value.Str)]
		if !ok {
			return Fragment{}, false
		}
		frag.Value = float64(code)
		return frag, true
	}

	return Fragment{}, false
}

func encodeBool(value device.Value) (float64, bool) {
	switch value.Kind {
	case device.KindBool:
		if value.Bool {
			return 1, true
		}
		return 0, true
	case device.KindString:
		switch strings.ToLower(value.Str) {
		case "on", "true", "active", "open":
			return 1, true
		case "off", "false", "inactive", "closed":
			return 0, true
		}
	}
	return 0, false
}

// InfoSamples returns one entry per enum state across all rules, sorted for
// deterministic exposition. Each entry is rendered as an info-kind metric
// named <metric>_mapping with labels {capability, state, code}.
func (t *Table) InfoSamples() []InfoSample {
	var samples []InfoSample
	for capName, rule := range t.rules {
		if rule.Transform != TransformEnum {
			continue
		}
		for state, code := range rule.Values {
			samples = append(samples, InfoSample{
				Metric:     types.MetricName(rule.Metric + "_mapping"),
				Help:       "Enum state to integer code mapping for " + capName.String(),
				Capability: capName,
				State:      state,
				Code:       code,
			})
		}
	}

	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Metric != samples[j].Metric {
			return samples[i].Metric < samples[j].Metric
		}
		return samples[i].Code < samples[j].Code
	})

	return samples
}

// Capabilities returns the sorted set of mapped capability names.
func (t *Table) Capabilities() []types.CapabilityName {
	names := make([]types.CapabilityName, 0, len(t.rules))
	for name := range t.rules {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// CodeLabel renders an enum code for use as a label value.
func (s InfoSample) CodeLabel() string {
	return strconv.Itoa(s.Code)
}
