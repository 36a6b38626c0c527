package models

import "time"

// MetricSample is one recorded measurement for a named series.
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Component string            `json:"component,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Severity  Severity          `json:"severity,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SeriesStats summarises a metric series over a query window.
type SeriesStats struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	StdDev float64 `json:"stdDev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Latest float64 `json:"latest"`
}

// Trend labels the direction of a series over a window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendUnknown    Trend = "unknown"
)
