package model

import (
	"fmt"
	"strings"
)

// MetricType classifies how the pipeline treats a metric. It is attached per
// metric name through a static type table and is never inferred from values.
type MetricType uint8

const (
	Counter MetricType = iota + 1
	Gauge
	Text
	Percentile
	Other
)

// String returns the lower-case configuration name of the type.
func (t MetricType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Text:
		return "text"
	case Percentile:
		return "percentile"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the declared metric types.
func (t MetricType) Valid() bool {
	return t >= Counter && t <= Other
}

// ParseMetricType parses a configuration name such as "counter" or "GAUGE".
func ParseMetricType(name string) (MetricType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "counter":
		return Counter, nil
	case "gauge":
		return Gauge, nil
	case "text":
		return Text, nil
	case "percentile":
		return Percentile, nil
	case "other":
		return Other, nil
	default:
		return 0, fmt.Errorf("unknown metric type %q", name)
	}
}
